package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// SFU relays student webcam feeds to proctors. Each exam room holds one
// publisher peer connection per student; faculty/admin subscribe to a chosen
// student and receive the relayed RTP tracks. Pure relay, nothing is stored.
type SFU struct {
	rooms    map[string]*cameraRoom
	byClient map[string]string // clientID -> room, for disconnect cleanup
	mu       sync.RWMutex
	log      *zap.Logger
	cfg      webrtc.Configuration
}

type cameraRoom struct {
	room  string
	feeds map[uuid.UUID]*publisherFeed // studentID -> feed
	mu    sync.RWMutex
	log   *zap.Logger
}

type publisherFeed struct {
	clientID    string
	pc          *webrtc.PeerConnection
	tracks      []*relayTrack
	subscribers map[string]*subscriberPeer // clientID -> peer
}

type relayTrack struct {
	remote *webrtc.TrackRemote
	locals []*webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

type subscriberPeer struct {
	pc        *webrtc.PeerConnection
	studentID uuid.UUID
}

// NewSFU creates a camera relay with the given ICE (STUN/TURN) configuration.
func NewSFU(log *zap.Logger, iceServers []webrtc.ICEServer) *SFU {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = defaultICE
	}
	return &SFU{
		rooms:    make(map[string]*cameraRoom),
		byClient: make(map[string]string),
		log:      log,
		cfg:      cfg,
	}
}

func (s *SFU) getOrCreateRoom(room string) *cameraRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[room]; ok {
		return r
	}
	r := &cameraRoom{
		room:  room,
		feeds: make(map[uuid.UUID]*publisherFeed),
		log:   s.log.With(zap.String("room", room)),
	}
	s.rooms[room] = r
	return r
}

func (s *SFU) getRoom(room string) *cameraRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[room]
}

func (s *SFU) trackClient(clientID, room string) {
	s.mu.Lock()
	s.byClient[clientID] = room
	s.mu.Unlock()
}

func newPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(cfg)
}

// HandlePublisherOffer handles an SDP offer from a student publishing their
// webcam. Replaces any previous feed for the same student.
func (s *SFU) HandlePublisherOffer(room string, studentID uuid.UUID, clientID string, sdp webrtc.SessionDescription, sendToClient func(event string, payload interface{})) error {
	r := s.getOrCreateRoom(room)
	s.trackClient(clientID, room)

	r.mu.Lock()
	if old, ok := r.feeds[studentID]; ok {
		delete(r.feeds, studentID)
		r.mu.Unlock()
		closeFeed(old)
		r.mu.Lock()
	}

	pc, err := newPeerConnection(s.cfg)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	feed := &publisherFeed{
		clientID:    clientID,
		pc:          pc,
		subscribers: make(map[string]*subscriberPeer),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient(EventCameraICE, map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		relay := &relayTrack{remote: track}
		r.mu.Lock()
		feed.tracks = append(feed.tracks, relay)
		r.mu.Unlock()
		r.attachTrackToSubscribers(feed, relay)
		go relay.readAndForward()
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	r.feeds[studentID] = feed
	r.mu.Unlock()

	sendToClient("camera_publisher_answer", map[string]interface{}{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		// Reuse buffer from pool to avoid per-packet allocs and bound memory.
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Copy the subscriber list under lock, then write without holding it
		// so one slow subscriber doesn't block others.
		rt.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

// attachTrackToSubscribers mirrors a new publisher track onto every existing
// subscriber of that feed.
func (r *cameraRoom) attachTrackToSubscribers(feed *publisherFeed, relay *relayTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range feed.subscribers {
		if sub.pc == nil {
			continue
		}
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = sub.pc.AddTrack(local)
	}
}

// HandlePublisherICE adds an ICE candidate to a student's publisher PC.
func (s *SFU) HandlePublisherICE(room string, studentID uuid.UUID, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(room)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	feed := r.feeds[studentID]
	r.mu.RUnlock()
	if feed != nil && feed.pc != nil {
		return feed.pc.AddICECandidate(candidate)
	}
	return nil
}

// HandleSubscribe creates a subscriber PC for a proctor watching one
// student's feed and sends the SDP offer.
func (s *SFU) HandleSubscribe(room string, studentID uuid.UUID, clientID string, sendToClient func(event string, payload interface{})) error {
	r := s.getRoom(room)
	if r == nil {
		sendToClient("camera_error", map[string]string{"message": "no_stream"})
		return nil
	}
	s.trackClient(clientID, room)

	r.mu.Lock()
	defer r.mu.Unlock()
	feed, ok := r.feeds[studentID]
	if !ok || feed.pc == nil || len(feed.tracks) == 0 {
		sendToClient("camera_error", map[string]string{"message": "no_stream"})
		return nil
	}

	pc, err := newPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient(EventCameraICE, map[string]interface{}{"target": "subscriber", "candidate": json.RawMessage(b)})
	})

	for _, relay := range feed.tracks {
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = pc.AddTrack(local)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	feed.subscribers[clientID] = &subscriberPeer{pc: pc, studentID: studentID}
	sendToClient("camera_subscriber_offer", map[string]interface{}{
		"student_id": studentID,
		"type":       offer.Type.String(),
		"sdp":        offer.SDP,
	})
	return nil
}

// HandleSubscriberAnswer sets the remote description (answer) for a
// subscriber PC.
func (s *SFU) HandleSubscriberAnswer(room string, clientID string, sdp webrtc.SessionDescription) error {
	sub := s.findSubscriber(room, clientID)
	if sub == nil || sub.pc == nil {
		return nil
	}
	return sub.pc.SetRemoteDescription(sdp)
}

// HandleSubscriberICE adds an ICE candidate to a subscriber PC.
func (s *SFU) HandleSubscriberICE(room string, clientID string, candidate webrtc.ICECandidateInit) error {
	sub := s.findSubscriber(room, clientID)
	if sub == nil || sub.pc == nil {
		return nil
	}
	return sub.pc.AddICECandidate(candidate)
}

func (s *SFU) findSubscriber(room, clientID string) *subscriberPeer {
	r := s.getRoom(room)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, feed := range r.feeds {
		if sub, ok := feed.subscribers[clientID]; ok {
			return sub
		}
	}
	return nil
}

// UnregisterClient drops everything a disconnected client held: its
// subscriptions and, if it was publishing, its feed.
func (s *SFU) UnregisterClient(clientID string) {
	s.mu.Lock()
	room, ok := s.byClient[clientID]
	delete(s.byClient, clientID)
	s.mu.Unlock()
	if !ok {
		return
	}

	r := s.getRoom(room)
	if r == nil {
		return
	}

	var closedFeed *publisherFeed
	r.mu.Lock()
	for studentID, feed := range r.feeds {
		if feed.clientID == clientID {
			delete(r.feeds, studentID)
			closedFeed = feed
			continue
		}
		if sub, ok := feed.subscribers[clientID]; ok {
			delete(feed.subscribers, clientID)
			if sub.pc != nil {
				_ = sub.pc.Close()
			}
		}
	}
	r.mu.Unlock()

	if closedFeed != nil {
		closeFeed(closedFeed)
	}
}

func closeFeed(feed *publisherFeed) {
	if feed.pc != nil {
		_ = feed.pc.Close()
	}
	for _, sub := range feed.subscribers {
		if sub.pc != nil {
			_ = sub.pc.Close()
		}
	}
}

// ICE config helpers
var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ParseICEServers converts configured URLs into webrtc ICE servers, falling
// back to a public STUN server.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
