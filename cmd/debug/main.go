package main

import (
	"log"

	"github.com/Nicolas3117/doser-control/internal/config"
	"github.com/Nicolas3117/doser-control/internal/program"
	"github.com/Nicolas3117/doser-control/internal/server"
	"github.com/Nicolas3117/doser-control/internal/service"
)

// One-shot maintenance pass: replay elapsed doses, rebuild today's history
// and dump tank state for every registered pump. Useful when diagnosing
// accounting drift without running the full service.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := service.NewApp(cfg, server.New)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Stop()

	ctrl := app.Controller()
	ctrl.ReplayAll()
	ctrl.ReconstructAll()
	ctrl.DrainAlerts()

	for _, m := range cfg.Modules {
		for pump := 1; pump <= program.PumpsPerModule; pump++ {
			st := ctrl.Tank(m.ID, pump)
			if st.CapacityMl == 0 {
				continue
			}
			log.Printf("[INFO] %s pump %d: %.1f/%d mL (%.0f%%), cursor=%d",
				m.ID, pump, st.RemainingMl, st.CapacityMl, st.Percent(), st.LastProcessedMs)
		}
	}
}
