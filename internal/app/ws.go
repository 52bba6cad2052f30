package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chronicle/collab/internal/collab"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var errSlowPeer = errors.New("peer send buffer full")

// handleCollab upgrades /collab/{document} and runs the connection until the
// client goes away. Clients pass ?token=, an Authorization header, or send
// {"type":"auth","token":...} as their first frame. ?protocol=automerge opts
// into binary merge-engine sync.
func (s *HTTPServer) handleCollab(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("collab upgrade %s failed: %v", documentID, err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	peer := newWSPeer(conn, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.cfg.PingInterval)
	go peer.writeLoop()
	defer peer.wait()

	req := collab.ConnectRequest{
		DocumentID: documentID,
		Token:      bearerToken(r),
		URL:        r.URL,
		Sync:       r.URL.Query().Get("protocol") == "automerge",
		RemoteAddr: r.RemoteAddr,
	}
	if req.Token == "" && r.URL.Query().Get("token") == "" {
		token, err := s.awaitAuthFrame(conn)
		if err != nil {
			peer.Close(collab.CloseCode(err), collab.Code(err))
			return
		}
		req.Token = token
	}

	// the request context of a hijacked connection never ends; a failed read
	// is what tells a load in progress that the client went away
	connectCtx, cancel := context.WithTimeout(r.Context(), s.cfg.ConnectTimeout)
	frames := make(chan inbound, 16)
	done := make(chan struct{})
	defer close(done)
	go s.readFrames(conn, frames, done, cancel)

	sess, err := s.manager.Connect(connectCtx, req, peer)
	cancel()
	if err != nil {
		peer.Close(collab.CloseCode(err), collab.Code(err))
		return
	}
	glog.V(1).Infof("request %s carries session %s", requestID(r.Context()), sess.ID)

	s.readLoop(r.Context(), sess, frames)

	disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.DisconnectTimeout)
	s.manager.Disconnect(disconnectCtx, sess)
	cancel()
	peer.Close(websocket.CloseNormalClosure, "")
}

// awaitAuthFrame waits up to AuthTimeout for the first frame. A client that
// stays silent ends up with no credential and is rejected as such.
func (s *HTTPServer) awaitAuthFrame(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", nil
		}
		return "", collab.ErrCancelled
	}
	if messageType != websocket.TextMessage {
		return "", collab.ErrCredentialMissing
	}
	msg, err := collab.ParseClientMessage(data)
	if err != nil {
		return "", err
	}
	if msg.Type != collab.FrameAuth {
		return "", collab.ErrCredentialMissing
	}
	return msg.Token, nil
}

type inbound struct {
	messageType int
	data        []byte
}

// readFrames is the only reader of conn once authentication is done. It calls
// hangup and closes frames when the connection fails.
func (s *HTTPServer) readFrames(conn *websocket.Conn, frames chan<- inbound, done <-chan struct{}, hangup func()) {
	defer close(frames)
	defer hangup()

	pongWait := 2 * s.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(1).Infof("collab read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case frames <- inbound{messageType: messageType, data: data}:
		case <-done:
			return
		}
	}
}

func (s *HTTPServer) readLoop(ctx context.Context, sess *collab.Session, frames <-chan inbound) {
	for frame := range frames {
		var err error
		switch frame.messageType {
		case websocket.TextMessage:
			err = s.manager.HandleText(ctx, sess, frame.data)
		case websocket.BinaryMessage:
			err = s.manager.HandleBinary(ctx, sess, frame.data)
		}
		if err != nil {
			glog.V(2).Infof("session %s frame rejected: %v", sess.ID, err)
		}
	}
}

type outbound struct {
	messageType int
	data        []byte
}

// wsPeer queues frames for a single writer goroutine so the manager never
// blocks on a slow socket.
type wsPeer struct {
	conn         *websocket.Conn
	send         chan outbound
	writeTimeout time.Duration
	pingInterval time.Duration

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	done        chan struct{}
}

func newWSPeer(conn *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration) *wsPeer {
	return &wsPeer{
		conn:         conn,
		send:         make(chan outbound, buffer),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (p *wsPeer) SendText(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

func (p *wsPeer) SendBinary(data []byte) error {
	return p.enqueue(outbound{messageType: websocket.BinaryMessage, data: data})
}

func (p *wsPeer) enqueue(msg outbound) error {
	select {
	case <-p.closing:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case p.send <- msg:
		return nil
	default:
		p.Close(websocket.CloseTryAgainLater, "send buffer full")
		return errSlowPeer
	}
}

// Close flushes frames already queued, sends a close frame and drops the
// connection. Only the first call has an effect.
func (p *wsPeer) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.closing)
	})
}

func (p *wsPeer) wait() {
	<-p.done
}

func (p *wsPeer) writeLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
		close(p.done)
	}()

	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-p.closing:
			p.drain()
			if p.closeCode != websocket.CloseAbnormalClosure {
				message := websocket.FormatCloseMessage(p.closeCode, p.closeReason)
				_ = p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(p.writeTimeout))
			}
			return
		}
	}
}

func (p *wsPeer) drain() {
	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *wsPeer) write(msg outbound) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteMessage(msg.messageType, msg.data)
}
