package mesh

import (
	"sync"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	// Opus emits tiny comfort-noise frames during silence when DTX is on.
	// Anything meaningfully larger carries voice.
	activePayloadBytes = 24
	// speakingHangover keeps the speaking flag up across short pauses so the
	// indicator does not flicker between words.
	speakingHangover = 500 * time.Millisecond
)

// LevelMeter derives voice-activity transitions from one remote audio track
// by inspecting RTP payload sizes. It never decodes audio.
type LevelMeter struct {
	remote   domain.Participant
	onChange func(remote domain.Participant, speaking bool)
	logger   *zap.SugaredLogger

	done     chan struct{}
	stopOnce sync.Once
}

func NewLevelMeter(remote domain.Participant, onChange func(domain.Participant, bool), logger *zap.SugaredLogger) *LevelMeter {
	return &LevelMeter{
		remote:   remote,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Stop ends metering. The read loop exits on the next packet or when the
// underlying track closes.
func (m *LevelMeter) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Run consumes the track until it ends or Stop is called. A final
// speaking=false transition is emitted if the meter stops mid-speech.
func (m *LevelMeter) Run(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	speaking := false
	var lastActive time.Time

	defer func() {
		if speaking {
			m.emit(false)
		}
	}()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.logger.Debugw("audio packet unreadable",
				"remote", m.remote.ConnectionID,
				"error", err,
			)
			continue
		}

		now := time.Now()
		if len(pkt.Payload) >= activePayloadBytes {
			lastActive = now
			if !speaking {
				speaking = true
				m.emit(true)
			}
		} else if speaking && now.Sub(lastActive) > speakingHangover {
			speaking = false
			m.emit(false)
		}
	}
}

func (m *LevelMeter) emit(speaking bool) {
	if m.onChange != nil {
		m.onChange(m.remote, speaking)
	}
}
