package email

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/gatewarden/gatewarden/internal/escalation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSender(t *testing.T) {
	valid := Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "gatewarden@example.com",
		Recipients:  []string{"oncall@example.com"},
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing host", func(c *Config) { c.SMTPHost = "" }, true},
		{"missing from address", func(c *Config) { c.FromAddress = "" }, true},
		{"no recipients", func(c *Config) { c.Recipients = nil }, true},
		{"disabled needs nothing", func(c *Config) { *c = Config{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			sender, err := NewSender(config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 587, sender.config.SMTPPort)
		})
	}
}

func TestSender_SendDisabled(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)

	assert.NoError(t, sender.Send(context.Background(), escalation.Notification{Subject: "test"}))
}

func TestSender_BuildMessage(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "Gatewarden <gatewarden@example.com>",
		Recipients:  []string{"oncall@example.com"},
	})
	require.NoError(t, err)

	msg := string(sender.buildMessage("[P2] oom_kill", "container killed"))

	assert.Contains(t, msg, "From: Gatewarden <gatewarden@example.com>\r\n")
	assert.Contains(t, msg, "Subject: [P2] oom_kill\r\n")
	assert.Contains(t, msg, "To: undisclosed-recipients:;\r\n")
	assert.Contains(t, msg, "\r\n\r\ncontainer killed")
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gatewarden@example.com", "gatewarden@example.com"},
		{"Gatewarden <gatewarden@example.com>", "gatewarden@example.com"},
		{"Broken <gatewarden@example.com", "Broken <gatewarden@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, extractEmail(tt.in))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"smtp 421", errors.New("421 service not available"), true},
		{"smtp 450", errors.New("450 mailbox busy"), true},
		{"smtp 550", errors.New("550 no such user"), false},
		{"generic", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
