// Command voice is a headless voice-call client. It joins a room through the
// signaling relay, builds one media link per remote participant, and sends a
// silent Opus stream. Useful for exercising a relay deployment and for
// filling rooms during load tests.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Parr-Marketing/Dicksword/internal/core/domain"
	"github.com/Parr-Marketing/Dicksword/internal/core/services"
	"github.com/Parr-Marketing/Dicksword/internal/mesh"
	"github.com/Parr-Marketing/Dicksword/pkg/logger"
	"github.com/Parr-Marketing/Dicksword/pkg/utils"
	"github.com/Parr-Marketing/Dicksword/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// opusSilence is a valid minimal Opus frame carrying silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "relay websocket URL")
		room      = flag.String("room", "", "room to join")
		name      = flag.String("name", "voice-bot", "display name")
		identity  = flag.String("identity", "", "identity id (random when empty)")
		token     = flag.String("token", "", "signed auth token (overrides -secret)")
		secret    = flag.String("secret", "", "JWT secret for self-issuing a dev token")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zapLogger := logger.New(*logLevel, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := validation.ValidateRoomID(*room); err != nil {
		log.Fatalw("bad -room", "error", err)
	}
	if err := validation.ValidateDisplayName(*name); err != nil {
		log.Fatalw("bad -name", "error", err)
	}

	id := domain.IdentityID(*identity)
	if id == "" {
		id = domain.IdentityID(utils.GenerateIdentityID())
	}
	self := domain.Identity{ID: id, DisplayName: *name}

	authToken := *token
	if authToken == "" {
		if *secret == "" {
			log.Fatal("either -token or -secret is required")
		}
		issued, err := services.IssueToken(*secret, self, time.Hour)
		if err != nil {
			log.Fatalw("failed to issue token", "error", err)
		}
		authToken = issued
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := mesh.Dial(ctx, *serverURL, authToken, mesh.DefaultDialOptions(), log)
	cancel()
	if err != nil {
		log.Fatalw("failed to reach relay", "server", *serverURL, "error", err)
	}
	defer client.Close()

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"dicksword-audio",
	)
	if err != nil {
		log.Fatalw("failed to create audio track", "error", err)
	}

	manager := mesh.NewManager(client, mesh.ManagerOptions{
		Room:       domain.RoomID(*room),
		Identity:   self,
		AudioTrack: audioTrack,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Callbacks: mesh.Callbacks{
			PeerAdded: func(p domain.Participant) {
				log.Infow("peer joined mesh", "connection", p.ConnectionID, "name", p.DisplayName)
			},
			PeerRemoved: func(p domain.Participant) {
				log.Infow("peer left mesh", "connection", p.ConnectionID, "name", p.DisplayName)
			},
			SpeakingChanged: func(p domain.Participant, speaking bool) {
				log.Debugw("voice activity", "connection", p.ConnectionID, "speaking", speaking)
			},
			ScreenShareChanged: func(identity domain.IdentityID, active bool) {
				log.Infow("screen share", "identity", identity, "active", active)
			},
			PresenceChanged: func(identity domain.IdentityID, online bool) {
				log.Infow("contact presence", "identity", identity, "online", online)
			},
		},
		Logger: log,
	})

	// Silent audio keeps every link's RTP flowing so ICE and the remote
	// level meters see a live stream.
	stopAudio := make(chan struct{})
	go func() {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-stopAudio:
				return
			case <-ticker.C:
				if manager.Muted() {
					continue
				}
				audioTrack.WriteSample(media.Sample{
					Data:     opusSilence,
					Duration: frameDuration,
				})
			}
		}
	}()

	if err := manager.Join(); err != nil {
		log.Fatalw("failed to join room", "room", *room, "error", err)
	}
	log.Infow("joined room", "room", *room, "identity", self.ID, "name", self.DisplayName)
	joinedAt := time.Now()

	done := make(chan struct{})
	go func() {
		manager.Run(client.Frames())
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Infow("leaving room", "in_call", utils.FormatDuration(time.Since(joinedAt)))
		if err := manager.Leave(); err != nil {
			log.Warnw("leave failed", "error", err)
		}
	case <-done:
		if err := client.Err(); err != nil {
			log.Errorw("relay session lost", "error", err)
		}
	}

	close(stopAudio)
	client.Close()
	<-done
}
