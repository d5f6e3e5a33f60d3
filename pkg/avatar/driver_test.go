package avatar

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDisabledDriverIsNoOp(t *testing.T) {
	d := New(Config{Enabled: false}, nil, zerolog.Nop())

	// None of these may panic or block
	d.Start()
	d.Speak([]byte("not even audio"))
	d.Restart()
	assert.False(t, d.Ready())
	d.Stop()
}

func TestEnabledDriverNotReadyBeforeStart(t *testing.T) {
	d := New(Config{
		Enabled:   true,
		Host:      "127.0.0.1",
		Port:      1,
		TokenFile: t.TempDir() + "/token",
	}, nil, zerolog.Nop())

	assert.False(t, d.Ready())

	// Speak before Start: envelope extraction runs but playback is
	// skipped because no session is ready. Must not panic.
	d.Speak([]byte{0x00, 0x01, 0x02})
	d.Stop()
}

func TestSpeakEmptyAudio(t *testing.T) {
	d := New(Config{
		Enabled:   true,
		Host:      "127.0.0.1",
		Port:      1,
		TokenFile: t.TempDir() + "/token",
	}, nil, zerolog.Nop())
	defer d.Stop()

	d.Speak(nil)
	d.Speak([]byte{})
}
