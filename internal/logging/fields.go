package logging

import "log/slog"

// Domain identifiers

func Conversation(id string) slog.Attr {
	return slog.String("conversation_id", id)
}

func Correlation(id string) slog.Attr {
	return slog.String("correlation_id", id)
}

func Call(id string) slog.Attr {
	return slog.String("call_id", id)
}

func Peer(id string) slog.Attr {
	return slog.String("peer_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
