package domain

// SessionKey returns the ephemeral key parts for a session and its
// sub-structures, e.g. SessionKey(code, "participants").
func SessionKey(code string, suffix ...string) []string {
	return append([]string{"session", code}, suffix...)
}

const (
	ActiveSessionsKey = "sessions:active"
	DirtySessionsKey  = "sessions:dirty"
)
