package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/metrics"
	"github.com/alwitt/activity-push/subscription"
)

// ReadinessCheck probe verifying the node's broker connectivity
type ReadinessCheck func(ctxt context.Context) error

// APIRestPushHandler REST handler exposing the client push socket and the
// health checks
type APIRestPushHandler struct {
	goutils.RestAPIHandler
	authenticator    auth.Authenticator
	subscriptions    subscription.Manager
	instruments      *metrics.PushMetrics
	readyCheck       ReadinessCheck
	handshakeTimeout time.Duration
	upgrader         websocket.Upgrader
	baseContext      context.Context
	wg               *sync.WaitGroup
}

// GetAPIRestPushHandler define APIRestPushHandler
func GetAPIRestPushHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	authConfig common.AuthConfig,
	authenticator auth.Authenticator,
	subscriptions subscription.Manager,
	instruments *metrics.PushMetrics,
	readyCheck ReadinessCheck,
	wg *sync.WaitGroup,
) (APIRestPushHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "push-socket",
	}
	return APIRestPushHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		authenticator:    authenticator,
		subscriptions:    subscriptions,
		instruments:      instruments,
		readyCheck:       readyCheck,
		handshakeTimeout: time.Millisecond * time.Duration(authConfig.HandshakeTimeout),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement happens upstream at the ingress
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// Write logging support
func (h APIRestPushHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Client push socket

// -----------------------------------------------------------------------

// OpenPushSocket godoc
// @Summary Open the client push socket
// @Description Upgrade to a websocket carrying the push protocol. The first
// frame must be an authentication frame; afterward the client subscribes to
// activity streams and receives push frames.
// @tags Push
// @Success 101 {string} string "protocol upgraded"
// @Failure 400 {string} string "error"
// @Router /v1/push/socket [get]
func (h APIRestPushHandler) OpenPushSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Socket upgrade failed")
		return
	}

	connectionID := uuid.New().String()
	authTimer, err := common.GetOneShotTimerInstance(
		fmt.Sprintf("auth-%s", connectionID), h.baseContext, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define handshake timer")
		_ = ws.Close()
		return
	}

	connection := getClientConnection(
		connectionID,
		ws,
		h.authenticator,
		h.subscriptions,
		h.instruments,
		authTimer,
		h.handshakeTimeout,
	)
	log.WithFields(localLogTags).Infof("Opened push connection %s", connectionID)
	connection.serve(r.Context())
}

// PushSocketHandler Wrapper around OpenPushSocket
func (h APIRestPushHandler) PushSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.OpenPushSocket(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For push server liveness check
// @Description Will return success to indicate the push server is live
// @tags Push
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestPushHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPushHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For push server readiness check
// @Description Will return success if the push server can reach the broker
// @tags Push
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestPushHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.readyCheck(r.Context()); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Readiness check failed")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestPushHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
