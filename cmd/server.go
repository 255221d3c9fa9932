package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/alwitt/activity-push/apis"
	"github.com/alwitt/activity-push/auth"
	"github.com/alwitt/activity-push/broker"
	"github.com/alwitt/activity-push/common"
	"github.com/alwitt/activity-push/core"
	"github.com/alwitt/activity-push/dispatch"
	"github.com/alwitt/activity-push/metrics"
	"github.com/alwitt/activity-push/publish"
	"github.com/alwitt/activity-push/registry"
	"github.com/alwitt/activity-push/streams"
	"github.com/alwitt/activity-push/subscription"
)

// PushService the assembled push pipeline of one node. An embedding aggregation
// pipeline registers its stream types on StreamTypes and emits through Producer.
type PushService struct {
	// Gateway is the broker gateway of this node
	Gateway broker.Gateway
	// Connections is the node's connection registry
	Connections registry.ConnectionRegistry
	// StreamTypes is the stream type registry collaborators register against
	StreamTypes streams.TypeRegistry
	// Transforms is the output rendering registry
	Transforms dispatch.TransformRegistry
	// Producer is the observer the aggregation pipeline emits through
	Producer publish.Adapter
	// Subscriptions is the subscription manager
	Subscriptions subscription.Manager
	// Instruments are the node's prometheus instruments
	Instruments *metrics.PushMetrics
}

// BuildPushService assemble the push pipeline around a broker gateway
func BuildPushService(gateway broker.Gateway, instance string) (*PushService, error) {
	connections, err := registry.GetConnectionRegistry(instance)
	if err != nil {
		return nil, err
	}

	transforms, err := dispatch.GetTransformRegistry()
	if err != nil {
		return nil, err
	}
	if err := transforms.Register(dispatch.GetInternalTransformer()); err != nil {
		return nil, err
	}
	if err := transforms.Register(dispatch.GetActivityStreamTransformer()); err != nil {
		return nil, err
	}

	streamTypes, err := streams.GetTypeRegistry()
	if err != nil {
		return nil, err
	}

	instruments := metrics.GetPushMetrics()

	dispatcher, err := dispatch.GetDispatcher(connections, transforms, instruments, nil)
	if err != nil {
		return nil, err
	}
	if err := gateway.Consume(dispatcher.HandleMessage); err != nil {
		return nil, err
	}

	subscriptions, err := subscription.GetManager(
		connections, gateway, streamTypes, transforms, instruments,
	)
	if err != nil {
		return nil, err
	}

	producer, err := publish.GetAdapter(gateway, streamTypes, instruments)
	if err != nil {
		return nil, err
	}

	return &PushService{
		Gateway:       gateway,
		Connections:   connections,
		StreamTypes:   streamTypes,
		Transforms:    transforms,
		Producer:      producer,
		Subscriptions: subscriptions,
		Instruments:   instruments,
	}, nil
}

// RunPushServer run the push server
func RunPushServer(
	runTimeContext context.Context,
	config *common.PushServerConfig,
	instance string,
	natsClient *core.NatsClient,
	registerStreamTypes func(streams.TypeRegistry) error,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "push-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server config")
		return err
	}

	gateway, err := broker.GetNATSGateway(
		natsClient, config.Topology.Exchange, config.Topology.QueuePrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker gateway")
		return err
	}

	service, err := BuildPushService(gateway, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to assemble push pipeline")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	if err := gateway.DeclareTopology(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to declare broker topology")
		return err
	}

	if registerStreamTypes != nil {
		if err := registerStreamTypes(service.StreamTypes); err != nil {
			log.WithError(err).WithFields(logTags).Error("Stream type registration failed")
			return err
		}
	}

	signer, err := auth.GetHMACSigner(config.Auth.SigningKey)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define credential signer")
		return err
	}
	authenticator, err := auth.GetAuthenticator(auth.GetSelfPrincipalStore(), signer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return err
	}

	httpHandler, err := apis.GetAPIRestPushHandler(
		localCtxt,
		&config.HTTPSetting,
		config.Auth,
		authenticator,
		service.Subscriptions,
		service.Instruments,
		func(_ context.Context) error {
			if natsClient.NATs().Status() != nats.CONNECTED {
				return fmt.Errorf("NATS client not connected")
			}
			return nil
		},
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Client push socket
	_ = apis.RegisterPathPrefix(mainRouter, "/ws", map[string]http.HandlerFunc{
		"get": httpHandler.PushSocketHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": promhttp.HandlerFor(
			service.Instruments.Registry(), promhttp.HandlerOpts{},
		).ServeHTTP,
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}
	gateway.Close(localCtxt)

	return nil
}
