// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	recorderRecordingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caltrace_recorder_recording",
		Help: "Count of active recorders recording.",
	})

	recorderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "caltrace_recorder_errors",
		Help: "Count of general recorder errors encountered.",
	}, []string{"type"})

	recorderFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caltrace_recorder_frames",
		Help: "Count of frames offered to the recorder.",
	})

	recorderDroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caltrace_recorder_dropped_frames",
		Help: "Count of frames dropped by the overflow policy.",
	})

	playerPlayingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caltrace_player_playing",
		Help: "Count of active players replaying frames.",
	})

	playerPausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "caltrace_player_paused",
		Help: "Set when the player is paused, cleared on resume.",
	})

	playerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caltrace_player_error_count",
		Help: "Count of player errors encountered during playback.",
	})

	playerSentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caltrace_player_sent_bytes",
		Help: "Count of payload bytes emitted by the player.",
	})

	playerSentFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "caltrace_player_sent_frames",
		Help: "Count of frames emitted by the player.",
	})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		// Recorder
		recorderRecordingGauge,
		recorderErrors,
		recorderFrames,
		recorderDroppedFrames,

		// Player
		playerPlayingGauge,
		playerPausedGauge,
		playerErrors,
		playerSentBytes,
		playerSentFrames,
	)
}
