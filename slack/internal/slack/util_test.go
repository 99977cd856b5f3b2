package slack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAskData_Slack_TruncateString(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"", 10, ""},
		{"año fiscal", 3, "año..."},
		{"hello", 0, "..."},
	} {
		assert.Equal(t, tt.want, TruncateString(tt.in, tt.max), "%q/%d", tt.in, tt.max)
	}
}
