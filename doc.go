// Package liverelay relays realtime speech between browsers and the Gemini
// Live API, with barge-in.
//
// A browser streams 16-bit PCM microphone audio over a WebSocket (or a WebRTC
// data channel, see the webrtc subpackage). For each connection the relay
// opens one upstream Live session and forwards the audio. Model speech comes
// back as JSON messages tagged with a turn id: generation_start, audio,
// interrupt and turn_complete. When the user talks over the model, the
// upstream reports an interruption; the relay tells the client which turn to
// silence and never forwards audio of that turn again, even if some of it
// arrives late.
//
// The pieces:
//   - Upstream (Dial) speaks the BidiGenerateContent protocol and turns it into
//     an ordered stream of Events stamped with a generation epoch.
//   - Tracker decides, per event, which Notices reach the client.
//   - RelaySession owns one client channel, one upstream session and a Tracker.
//   - Server accepts WebSocket clients and runs a RelaySession for each.
//   - PlaybackController and RelayClient are the client side: they schedule
//     audio gap-free on an Output and stop it on interrupts.
//
// Basic usage:
//
//	opts := liverelay.DefaultServerOptions()
//	opts.APIKey = os.Getenv("GEMINI_API_KEY")
//	srv := liverelay.NewServer(opts)
//	defer srv.Shutdown(context.Background())
//	log.Fatal(http.ListenAndServe(opts.Addr, srv.Router()))
//
// Or against the upstream directly:
//
//	up, err := liverelay.Dial(ctx, liverelay.DefaultConfig(apiKey), liverelay.DefaultSetup())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer up.Close()
//	tracker := liverelay.NewTracker()
//	for ev := range up.Events() {
//		for _, n := range tracker.Handle(ev) {
//			// forward liverelay.MessageFor(n)
//		}
//	}
package liverelay
