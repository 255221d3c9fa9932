package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/metrics"
	"github.com/alwitt/activity-push/subscription"
)

// socketWriteTimeout max duration for one socket write before the connection is
// considered dead
const socketWriteTimeout = time.Second * 5

// requestFrame one request frame arriving from the client. The ID is a pointer
// so a frame without an ID can be told apart from ID zero.
type requestFrame struct {
	ID      *int64          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// frameErrorDetail in case of request failure, the error
type frameErrorDetail struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// responseFrame reply to one client request frame
type responseFrame struct {
	ReplyTo int64             `json:"replyTo"`
	Error   *frameErrorDetail `json:"error,omitempty"`
}

// clientConnection one live websocket connection. Frames are processed in
// arrival order on the connection's read loop. Starts unauthenticated; only the
// authentication frame is accepted until the handshake completes.
type clientConnection struct {
	common.Component
	id               string
	ws               *websocket.Conn
	authenticator    auth.Authenticator
	subscriptions    subscription.Manager
	instruments      *metrics.PushMetrics
	authTimer        common.OneShotTimer
	handshakeTimeout time.Duration
	writeLock        sync.Mutex
	stateLock        sync.Mutex
	authenticated    bool
	closed           bool
	principal        auth.Principal
}

// getClientConnection define a new clientConnection around an upgraded socket
func getClientConnection(
	id string,
	ws *websocket.Conn,
	authenticator auth.Authenticator,
	subscriptions subscription.Manager,
	instruments *metrics.PushMetrics,
	authTimer common.OneShotTimer,
	handshakeTimeout time.Duration,
) *clientConnection {
	logTags := log.Fields{
		"module": "apis", "component": "client-connection", "connection": id,
	}
	return &clientConnection{
		Component:        common.Component{LogTags: logTags},
		id:               id,
		ws:               ws,
		authenticator:    authenticator,
		subscriptions:    subscriptions,
		instruments:      instruments,
		authTimer:        authTimer,
		handshakeTimeout: handshakeTimeout,
	}
}

// SessionID stable ID of the connection for bookkeeping and logging
func (c *clientConnection) SessionID() string {
	return c.id
}

// SendFrame serialize a frame and write it to the client socket. Safe for
// concurrent use; the dispatch pipeline and the read loop share the socket.
func (c *clientConnection) SendFrame(frame interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		c.instruments.RecordFrame("out", "error")
		return err
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		c.instruments.RecordFrame("out", "error")
		return err
	}
	c.instruments.RecordFrame("out", "ok")
	return nil
}

// serve run the connection read loop until the socket dies or the protocol
// demands closure
func (c *clientConnection) serve(ctxt context.Context) {
	c.instruments.ConnectionOpened()
	defer c.instruments.ConnectionClosed()
	defer c.teardown(ctxt)

	// The client must authenticate before the deadline passes
	if err := c.authTimer.Start(c.handshakeTimeout, c.authenticationTimeout); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to arm handshake timer")
		return
	}

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Read loop ending")
			return
		}
		if !c.processFrame(ctxt, payload) {
			return
		}
	}
}

// teardown release everything the connection holds
func (c *clientConnection) teardown(ctxt context.Context) {
	c.stateLock.Lock()
	c.closed = true
	c.stateLock.Unlock()
	if err := c.authTimer.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to disarm handshake timer")
	}
	c.subscriptions.HandleDisconnect(ctxt, c)
	if err := c.ws.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
	}
	log.WithFields(c.LogTags).Info("Connection closed")
}

// authenticationTimeout fires when the handshake deadline passes with the
// connection still unauthenticated
func (c *clientConnection) authenticationTimeout() error {
	c.stateLock.Lock()
	if c.authenticated || c.closed {
		c.stateLock.Unlock()
		return nil
	}
	c.closed = true
	c.stateLock.Unlock()
	log.WithFields(c.LogTags).Info("Authentication deadline passed")
	_ = c.SendFrame(&responseFrame{
		ReplyTo: 0, Error: &frameErrorDetail{Code: 401, Msg: "Authentication timeout"},
	})
	// Closing the socket unblocks the read loop
	return c.ws.Close()
}

// processFrame handle one frame from the client. Returns false when the
// connection must close.
func (c *clientConnection) processFrame(ctxt context.Context, payload []byte) bool {
	var frame requestFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.WithError(err).WithFields(c.LogTags).Info("Received malformed frame")
		c.instruments.RecordFrame("in", "malformed")
		c.replyError(0, 400, "Malformed message")
		return false
	}
	if frame.ID == nil {
		log.WithFields(c.LogTags).Info("Received frame without ID")
		c.instruments.RecordFrame("in", "malformed")
		c.replyError(0, 400, "Message ID missing")
		return false
	}
	c.instruments.RecordFrame("in", frame.Name)

	switch frame.Name {
	case "authentication":
		return c.processAuthentication(ctxt, *frame.ID, frame.Payload)
	case "subscribe":
		return c.processSubscribe(ctxt, *frame.ID, frame.Payload)
	default:
		// An unknown frame name is a protocol violation, fatal either side of
		// the handshake
		if !c.isAuthenticated() {
			c.replyError(*frame.ID, 401, "Not authenticated")
			return false
		}
		c.replyError(*frame.ID, 400, fmt.Sprintf("Unsupported message '%s'", frame.Name))
		return false
	}
}

// processAuthentication handle the handshake frame. A failure closes the
// connection.
func (c *clientConnection) processAuthentication(
	ctxt context.Context, frameID int64, payload []byte,
) bool {
	if c.isAuthenticated() {
		c.replyError(frameID, 400, "Already authenticated")
		return true
	}

	var credential auth.Credential
	if err := json.Unmarshal(payload, &credential); err != nil {
		log.WithError(err).WithFields(c.LogTags).Info("Undecodable authentication payload")
		c.replyError(frameID, 400, "Malformed authentication payload")
		return false
	}

	principal, err := c.authenticator.Authenticate(ctxt, credential)
	if err != nil {
		asReqErr := common.RequestErrorFrom(err)
		c.replyError(frameID, asReqErr.Code, asReqErr.Msg)
		return false
	}

	// The timer is disarmed under the state lock before the success reply, so a
	// scheduled timeout can never fire after authentication succeeded
	c.stateLock.Lock()
	if c.closed {
		c.stateLock.Unlock()
		return false
	}
	if err := c.authTimer.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to disarm handshake timer")
	}
	c.authenticated = true
	c.principal = principal
	c.stateLock.Unlock()

	log.WithFields(c.LogTags).Infof("Authenticated as %s", principal.UserID)
	c.replySuccess(frameID)
	return true
}

// processSubscribe handle one subscribe frame. Failures are reported to the
// client but keep the socket open, unlike authentication failures.
func (c *clientConnection) processSubscribe(
	ctxt context.Context, frameID int64, payload []byte,
) bool {
	c.stateLock.Lock()
	authenticated := c.authenticated
	principal := c.principal
	c.stateLock.Unlock()
	if !authenticated {
		c.replyError(frameID, 401, "Not authenticated")
		return false
	}

	var request subscription.SubscribeRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		log.WithError(err).WithFields(c.LogTags).Info("Undecodable subscribe payload")
		c.replyError(frameID, 400, "Malformed subscribe payload")
		return true
	}

	if err := c.subscriptions.Subscribe(ctxt, c, principal, request); err != nil {
		asReqErr := common.RequestErrorFrom(err)
		c.replyError(frameID, asReqErr.Code, asReqErr.Msg)
		return true
	}
	c.replySuccess(frameID)
	return true
}

func (c *clientConnection) isAuthenticated() bool {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.authenticated
}

func (c *clientConnection) replySuccess(replyTo int64) {
	if err := c.SendFrame(&responseFrame{ReplyTo: replyTo}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send reply")
	}
}

func (c *clientConnection) replyError(replyTo int64, code int, msg string) {
	reply := responseFrame{
		ReplyTo: replyTo, Error: &frameErrorDetail{Code: code, Msg: msg},
	}
	if err := c.SendFrame(&reply); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to send error reply")
	}
}
