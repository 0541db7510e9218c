package main

import (
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	genericservice "go.viam.com/rdk/services/generic"
	soTracker "so_tracker"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: genericservice.API, Model: soTracker.TrackerModel},
		resource.APIModel{API: sensor.API, Model: soTracker.DiagnosticsModel},
		resource.APIModel{API: discovery.API, Model: soTracker.DiscoveryModel},
	)
}
