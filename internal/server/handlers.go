package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Nicolas3117/doser-control/internal/config"
	"github.com/Nicolas3117/doser-control/internal/device"
	"github.com/Nicolas3117/doser-control/internal/program"
	"github.com/Nicolas3117/doser-control/internal/service"
)

type handlers struct {
	ctrl *service.Controller
	cfg  *config.Config
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func pumpVar(r *http.Request) (string, int, bool) {
	vars := mux.Vars(r)
	pump, err := strconv.Atoi(vars["pump"])
	if err != nil || pump < 1 || pump > program.PumpsPerModule {
		return "", 0, false
	}
	return vars["id"], pump, true
}

type pumpView struct {
	Pump        int     `json:"pump"`
	FlowMlPerS  float64 `json:"flowMlPerSec"`
	RemainingMl float64 `json:"remainingMl"`
	CapacityMl  int     `json:"capacityMl"`
	Percent     float64 `json:"percent"`
}

type moduleView struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	IP    string     `json:"ip"`
	Pumps []pumpView `json:"pumps"`
}

func (h *handlers) listModules(w http.ResponseWriter, r *http.Request) {
	out := []moduleView{}
	for _, m := range h.ctrl.Modules() {
		mv := moduleView{ID: m.ID, Name: m.Name, IP: m.IP}
		progs := h.ctrl.Programs(m.ID)
		for pump := 1; pump <= program.PumpsPerModule; pump++ {
			st := h.ctrl.Tank(m.ID, pump)
			mv.Pumps = append(mv.Pumps, pumpView{
				Pump:        pump,
				FlowMlPerS:  progs.Flow(pump),
				RemainingMl: st.RemainingMl,
				CapacityMl:  st.CapacityMl,
				Percent:     st.Percent(),
			})
		}
		out = append(out, mv)
	}
	writeJSON(w, http.StatusOK, out)
}

type scheduleView struct {
	Index      int    `json:"index"`
	Line       string `json:"line"`
	Enabled    bool   `json:"enabled"`
	Hour       int    `json:"hour"`
	Minute     int    `json:"minute"`
	DurationMs int64  `json:"durationMs"`
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	out := []scheduleView{}
	for i, raw := range h.ctrl.Programs(moduleID).Lines(pump) {
		l, ok := program.DecodeLine(raw)
		if !ok {
			continue
		}
		out = append(out, scheduleView{
			Index:      i,
			Line:       raw,
			Enabled:    l.Enabled,
			Hour:       l.Hour,
			Minute:     l.Minute,
			DurationMs: l.DurationMs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type addScheduleRequest struct {
	Time          string `json:"time"`
	VolumeTenthMl int    `json:"volumeTenthMl"`
	Enabled       bool   `json:"enabled"`
}

type validationResponse struct {
	OK                 bool   `json:"ok"`
	Reason             string `json:"reason,omitempty"`
	Message            string `json:"message,omitempty"`
	ConflictPump       int    `json:"conflictPump,omitempty"`
	ConflictStartMs    int64  `json:"conflictStartMs,omitempty"`
	ConflictEndMs      int64  `json:"conflictEndMs,omitempty"`
	NextAllowedStartMs int64  `json:"nextAllowedStartMs,omitempty"`
}

func (h *handlers) addSchedule(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	var req addScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	hour, minute, err := program.ParseTimeOfDay(req.Time)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := h.ctrl.AddSchedule(moduleID, program.Schedule{
		Pump:          pump,
		Hour:          hour,
		Minute:        minute,
		VolumeTenthMl: req.VolumeTenthMl,
		Enabled:       req.Enabled,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	status := http.StatusCreated
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, validationResponse{
		OK:                 res.OK,
		Reason:             string(res.Reason),
		Message:            res.Message(),
		ConflictPump:       res.ConflictPump,
		ConflictStartMs:    res.ConflictStartMs,
		ConflictEndMs:      res.ConflictEndMs,
		NextAllowedStartMs: res.NextAllowedStartMs,
	})
}

func (h *handlers) removeSchedule(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid schedule index"})
		return
	}
	if err := h.ctrl.RemoveSchedule(moduleID, pump, index); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setFlow(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	var req struct {
		MlPerSec float64 `json:"mlPerSec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	if err := h.ctrl.SetFlow(moduleID, pump, req.MlPerSec); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sendProgram(w http.ResponseWriter, r *http.Request) {
	moduleID := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.ctrl.SendProgram(ctx, moduleID); err != nil {
		log.Printf("[ERROR] program send to %s failed: %v", moduleID, err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "could not reach device"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type manualDoseRequest struct {
	VolumeTenthMl int `json:"volumeTenthMl"`
	Doses         int `json:"doses"`
}

func (h *handlers) manualDose(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	var req manualDoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload"})
		return
	}
	if req.Doses > 1 {
		// A split sequence waits out each dose; run it detached and
		// let the caller poll history for progress.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := h.ctrl.ManualDoseSplit(ctx, moduleID, pump, req.VolumeTenthMl, req.Doses); err != nil {
				log.Printf("[ERROR] split dose for %s pump %d failed: %v", moduleID, pump, err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if _, err := h.ctrl.ManualDose(ctx, moduleID, pump, req.VolumeTenthMl); err != nil {
		if errors.Is(err, device.ErrBusy) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "could not reach device"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) tankState(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	st := h.ctrl.Tank(moduleID, pump)
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) refillTank(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	var req struct {
		CapacityMl int `json:"capacityMl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CapacityMl <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "capacityMl must be positive"})
		return
	}
	st, err := h.ctrl.RefillTank(moduleID, pump, req.CapacityMl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) setThreshold(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	var req struct {
		Percent int `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Percent < 0 || req.Percent > 100 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "percent must be within [0,100]"})
		return
	}
	st, err := h.ctrl.SetTankThreshold(moduleID, pump, req.Percent)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) todayHistory(w http.ResponseWriter, r *http.Request) {
	moduleID, pump, ok := pumpVar(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid pump number"})
		return
	}
	events, total, err := h.ctrl.TodayEvents(moduleID, pump)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":  events,
		"totalMl": total,
	})
}

func (h *handlers) triggerReplay(w http.ResponseWriter, r *http.Request) {
	log.Println("[INFO] Received API request to trigger replay manually.")
	// Run in a goroutine so we can respond to the client immediately.
	go h.ctrl.ReplayAll()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prefix == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prefix is required, e.g. 192.168.1"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.ctrl.Discover(ctx, req.Prefix))
}
