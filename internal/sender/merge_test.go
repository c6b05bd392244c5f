package sender

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	data := map[string]any{"customer_name": "Asha", "policy": 42, "empty": nil}

	tests := []struct {
		in   string
		want string
	}{
		{"Hi {{customer_name}}", "Hi Asha"},
		{"Hi {{ customer_name }}, policy {{policy}}", "Hi Asha, policy 42"},
		{"{{ unknown }} stays", "{{ unknown }} stays"},
		{"{{empty}}", "{{empty}}"},
		{"no fields", "no fields"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.in, data), tt.in)
	}

	assert.Equal(t, "{{x}}", Render("{{x}}", nil))
}
