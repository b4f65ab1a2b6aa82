package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v3"

	"github.com/enesunal-m/liverelay"
)

// DefaultOfferPath is where browsers post their SDP offer.
const DefaultOfferPath = "/api/webrtc/offer"

const (
	maxOfferBytes = 64 << 10
	openTimeout   = 30 * time.Second
	gatherTimeout = 10 * time.Second
)

// ChannelServer runs relay sessions on client channels. *liverelay.Server
// implements it.
type ChannelServer interface {
	ServeChannel(ch liverelay.ClientChannel, inputRate int, fields map[string]any) error
}

// OfferOptions configures an OfferHandler.
type OfferOptions struct {
	// ICEServers are STUN/TURN URLs offered to the peer connection.
	ICEServers []string
	Logger     *liverelay.Logger
}

// OfferHandler answers SDP offers from browsers. The browser creates one data
// channel; once it opens, a relay session runs over it exactly as over a
// WebSocket.
//
// The request body is a JSON session description ({"type":"offer","sdp":...})
// and the response is the answer in the same form, with all ICE candidates
// gathered. The optional rate query parameter gives the microphone rate.
type OfferHandler struct {
	srv  ChannelServer
	cfg  pion.Configuration
	log  *liverelay.Logger
	open time.Duration
}

// NewOfferHandler returns a handler that starts sessions on srv.
func NewOfferHandler(srv ChannelServer, opts OfferOptions) *OfferHandler {
	cfg := pion.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: opts.ICEServers}}
	}
	log := opts.Logger
	if log == nil {
		log = liverelay.DefaultLogger
	}
	return &OfferHandler{srv: srv, cfg: cfg, log: log, open: openTimeout}
}

func (h *OfferHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rate := liverelay.InputSampleRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			http.Error(w, "invalid rate", http.StatusBadRequest)
			return
		}
		rate = n
	}

	var offer pion.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}
	if offer.Type != pion.SDPTypeOffer || offer.SDP == "" {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}

	answer, err := h.negotiate(r, offer, rate)
	if err != nil {
		h.log.Warn("webrtc_offer_failed", map[string]any{"err": err, "remote": r.RemoteAddr})
		http.Error(w, "negotiation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

func (h *OfferHandler) negotiate(r *http.Request, offer pion.SessionDescription, rate int) (*pion.SessionDescription, error) {
	pc, err := pion.NewPeerConnection(h.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	fields := map[string]any{"remote": r.RemoteAddr, "transport": "webrtc"}
	var (
		once   sync.Once
		opened = make(chan struct{})
	)
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		once.Do(func() {
			ch := NewDataChannel(pc, dc)
			dc.OnOpen(func() {
				close(opened)
				if err := h.srv.ServeChannel(ch, rate, fields); err != nil {
					h.log.Warn("webrtc_session_rejected", map[string]any{"err": err})
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = ch.WriteMessage(ctx, liverelay.ErrorMessage(err.Error()))
					cancel()
					_ = ch.Close(liverelay.CloseGoingAway, "unavailable")
				}
			})
		})
	})
	failed := make(chan struct{})
	go func() {
		timer := time.NewTimer(h.open)
		defer timer.Stop()
		select {
		case <-opened:
		case <-failed:
		case <-timer.C:
			h.log.Info("webrtc_open_timeout", fields)
			_ = pc.Close()
		}
	}()

	fail := func(op string, err error) (*pion.SessionDescription, error) {
		close(failed)
		_ = pc.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail("set remote description", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		return fail("gather candidates", errors.New("timed out"))
	case <-r.Context().Done():
		return fail("gather candidates", r.Context().Err())
	}
	return pc.LocalDescription(), nil
}
