package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/Nicolas3117/doser-control/internal/config"
	"github.com/Nicolas3117/doser-control/internal/service"
)

// New creates the HTTP server exposing the control API consumed by the UI.
func New(cfg *config.Config, ctrl *service.Controller) *http.Server {
	h := &handlers{ctrl: ctrl, cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "OK")
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/modules", h.listModules).Methods("GET")
	api.HandleFunc("/modules/{id}/send", h.sendProgram).Methods("POST")
	api.HandleFunc("/modules/{id}/pumps/{pump}/schedules", h.listSchedules).Methods("GET")
	api.HandleFunc("/modules/{id}/pumps/{pump}/schedules", h.addSchedule).Methods("POST")
	api.HandleFunc("/modules/{id}/pumps/{pump}/schedules/{index}", h.removeSchedule).Methods("DELETE")
	api.HandleFunc("/modules/{id}/pumps/{pump}/flow", h.setFlow).Methods("POST")
	api.HandleFunc("/modules/{id}/pumps/{pump}/dose", h.manualDose).Methods("POST")
	api.HandleFunc("/modules/{id}/pumps/{pump}/tank", h.tankState).Methods("GET")
	api.HandleFunc("/modules/{id}/pumps/{pump}/tank/refill", h.refillTank).Methods("POST")
	api.HandleFunc("/modules/{id}/pumps/{pump}/tank/threshold", h.setThreshold).Methods("POST")
	api.HandleFunc("/modules/{id}/pumps/{pump}/history/today", h.todayHistory).Methods("GET")
	api.HandleFunc("/replay", h.triggerReplay).Methods("POST")
	api.HandleFunc("/discover", h.discover).Methods("POST")

	addr := cfg.HTTP.Addr
	log.Printf("API Server configured to listen on %s", addr)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	})

	return &http.Server{
		Addr:    addr,
		Handler: c.Handler(r),
	}
}
