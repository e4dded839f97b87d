package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/iot/broker"
)

// Service holds the configuration for this service
//
// use GROUP_KEY=$(head -c 32 /dev/urandom | base64) to accept every registration id
type Service struct {
	Addr         string        `env:"SIMULATOR_ADDR,default=:1883" description:"the MQTT listen address"`
	CertFile     string        `env:"SIMULATOR_CERT_FILE" description:"TLS certificate, plain TCP when empty"`
	KeyFile      string        `env:"SIMULATOR_KEY_FILE" description:"TLS key"`
	IDScope      string        `env:"DPS_ID_SCOPE,default=0ne00000001" description:"the id scope devices register with"`
	HubHost      string        `env:"IOTHUB_HOSTNAME,default=localhost" description:"the hub host devices get assigned to"`
	GroupKey     string        `env:"GROUP_KEY,required" description:"the base64 key of the group enrollment"`
	PendingPolls int           `env:"PENDING_POLLS,default=1" description:"polls answered with 202 before the assignment"`
	Throttle     int           `env:"THROTTLE,default=0" description:"requests answered with 429 before one is served"`
	RetryAfter   time.Duration `env:"RETRY_AFTER,default=0s" description:"retry-after sent with 202 and 429"`
	LogLevel     string        `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.Default()

	ln, err := net.Listen("tcp", service.Addr)
	if err != nil {
		panic(err)
	}
	b, err := broker.NewBroker(&broker.Builder{
		Listener:     ln,
		CertFile:     service.CertFile,
		KeyFile:      service.KeyFile,
		IDScope:      service.IDScope,
		HubHost:      service.HubHost,
		GroupKey:     service.GroupKey,
		PendingPolls: service.PendingPolls,
		Throttle:     service.Throttle,
		RetryAfter:   service.RetryAfter,
		OnTelemetry: func(deviceID string, payload []byte) {
			rlog.WithField("device", deviceID).Infoln("telemetry", string(payload))
		},
	})
	if err != nil {
		panic(err)
	}
	b.Run()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Stop(ctx)
	rlog.Infoln("stopped")
}
