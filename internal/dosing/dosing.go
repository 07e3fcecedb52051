// Package dosing handles one-off manual doses: splitting a total volume
// across several dispenses and recording what actually left the tank.
package dosing

import (
	"context"
	"fmt"
	"time"

	"github.com/Nicolas3117/doser-control/internal/device"
	"github.com/Nicolas3117/doser-control/internal/history"
	"github.com/Nicolas3117/doser-control/internal/program"
	"github.com/Nicolas3117/doser-control/internal/tank"
)

// SplitTotalVolumeTenth distributes a total volume (in tenths of mL) across
// count doses. Each dose gets the floor share; the remainder lands on the
// last dose so the parts always sum to the total. An empty slice is returned
// for a non-positive count.
func SplitTotalVolumeTenth(totalTenth, count int) []int {
	if count <= 0 {
		return []int{}
	}
	base := totalTenth / count
	out := make([]int, count)
	for i := range out {
		out[i] = base
	}
	out[count-1] = totalTenth - base*(count-1)
	return out
}

// Doser dispatches manual doses to a device and keeps the local accounting
// in step with what was acknowledged.
type Doser struct {
	client *device.Client
	tanks  *tank.Engine
	hist   *history.Repo
	loc    *time.Location
}

func NewDoser(client *device.Client, tanks *tank.Engine, hist *history.Repo, loc *time.Location) *Doser {
	return &Doser{client: client, tanks: tanks, hist: hist, loc: loc}
}

// Dispense runs one manual dose on a pump. The device call happens first;
// tank state and the MANUAL dose event are only touched after the device
// acknowledged, so a failed or cancelled send leaves everything unchanged
// and is safely retryable.
func (d *Doser) Dispense(ctx context.Context, moduleID, ip string, pump, volumeTenth int, flowMlPerSec float64) (*tank.Alert, error) {
	if flowMlPerSec <= 0 {
		return nil, fmt.Errorf("pump %d of module %s is not calibrated", pump, moduleID)
	}
	volumeMl := float64(volumeTenth) / 10
	durationMs := program.DurationMsFor(volumeMl, flowMlPerSec)
	if durationMs < program.MinDurationMs || durationMs > program.MaxDurationMs {
		return nil, fmt.Errorf("dose of %.1f mL maps to %d ms, outside the firmware range", volumeMl, durationMs)
	}

	if err := d.client.ManualDose(ctx, ip, pump, durationMs); err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := d.hist.RecordManual(moduleID, pump, volumeMl, now, d.loc); err != nil {
		return nil, err
	}
	_, alert, err := d.tanks.Update(moduleID, pump, func(s *tank.State) *tank.Alert {
		return s.Decrement(volumeMl)
	})
	return alert, err
}

// DispenseSplit distributes totalTenth across count doses and dispenses
// them back to back, waiting out each dose's run time plus the spacing gap
// before starting the next. Zero-volume parts are skipped. It returns after
// the last acknowledged dose, so callers run it off the request path.
func (d *Doser) DispenseSplit(ctx context.Context, moduleID, ip string, pump, totalTenth, count int, flowMlPerSec float64, gap time.Duration) ([]*tank.Alert, error) {
	parts := SplitTotalVolumeTenth(totalTenth, count)
	var alerts []*tank.Alert
	for i, part := range parts {
		if part == 0 {
			continue
		}
		alert, err := d.Dispense(ctx, moduleID, ip, pump, part, flowMlPerSec)
		if err != nil {
			return alerts, fmt.Errorf("dose %d/%d failed: %w", i+1, count, err)
		}
		if alert != nil {
			alerts = append(alerts, alert)
		}
		if i == len(parts)-1 {
			break
		}
		runTime := time.Duration(program.DurationMsFor(float64(part)/10, flowMlPerSec)) * time.Millisecond
		select {
		case <-ctx.Done():
			return alerts, ctx.Err()
		case <-time.After(runTime + gap):
		}
	}
	return alerts, nil
}
