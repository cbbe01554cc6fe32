package logger

import (
	"log/slog"
	"net/url"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
// Empty identifiers produce an empty Attr.
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event records the event name under the key "event".
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Flow records the sign-in flow name (magic_link, google, apple) under the key "flow".
func Flow(name string) slog.Attr {
	return slog.String("flow", name)
}

// OpKey records an exclusive operation key under the key "op_key".
func OpKey(key string) slog.Attr {
	return slog.String("op_key", key)
}

// Category records an operation category under the key "category".
func Category(name string) slog.Attr {
	return slog.String("category", name)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// CallbackURL records a deep link under the key "callback_url" with its query
// and fragment stripped. Callback URLs carry credentials; the raw value must
// never reach a log sink.
func CallbackURL(raw string) slog.Attr {
	return slog.String("callback_url", RedactURL(raw))
}

// RedactURL drops userinfo, query and fragment from raw. Unparseable input is
// replaced entirely.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable]"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// TokenSuffix returns the last n characters of a secret so log lines can be
// correlated without disclosing the value.
func TokenSuffix(token string, n int) string {
	if n <= 0 || len(token) <= n {
		return "…"
	}
	return "…" + token[len(token)-n:]
}
