package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/smartpot/core/logger"
	"github.com/relabs-tech/smartpot/core/schema"
	"github.com/relabs-tech/smartpot/iot/device"
	"github.com/relabs-tech/smartpot/iot/status"
)

// use SIMULATED_SENSORS=true MQTT_SCHEME=tcp MQTT_PORT=1883 DPS_HOST=localhost DPS_ID_SCOPE=0ne00000001
// DPS_REGISTRATION_ID=pot-1 DPS_GROUP_KEY=<key> against a local simulator
func main() {
	config, err := device.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(config.LogLevel))
	identity := config.RegistrationID
	if !config.UsesDPS() {
		identity = config.DeviceID
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(context.Background(), identity)

	store, err := config.Store()
	if err != nil {
		rlog.WithError(err).Fatalln("cannot load credentials")
	}
	sensors, err := config.Sensors()
	if err != nil {
		rlog.WithError(err).Fatalln("cannot set up sensors")
	}
	if len(sensors) == 0 {
		rlog.Warnln("no sensors found")
	}

	var validator *schema.Validator
	controlSchema := schema.ControlSchemaID
	if len(config.ControlSchemaFile) > 0 {
		validator, controlSchema, err = schema.NewValidatorFromFile(config.ControlSchemaFile)
	} else {
		validator, err = schema.NewBuiltinValidator()
	}
	if err != nil {
		rlog.WithError(err).Fatalln("cannot load control schema")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracker := status.NewTracker()
	if len(config.StatusAddr) > 0 {
		go func() {
			if err := status.ListenAndServe(ctx, config.StatusAddr, tracker); err != nil {
				rlog.WithError(err).Errorln("status endpoint failed")
			}
		}()
	}

	agent := device.NewAgent(&device.Builder{
		Config:        config,
		Store:         store,
		Reader:        config.Reader(sensors),
		Tracker:       tracker,
		Validator:     validator,
		ControlSchema: controlSchema,
	})
	if err := agent.Run(ctx); err != nil {
		rlog.WithError(err).Fatalln("agent failed")
	}
	rlog.Infoln("stopped")
}
