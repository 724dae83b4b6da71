package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
)

// VerifyResult summarizes a sample comparison of source and destination.
type VerifyResult struct {
	Pipeline string   `json:"pipeline"`
	Sampled  int      `json:"sampled"`
	Found    int      `json:"found"`
	Missing  []string `json:"missing,omitempty"`
}

// OK reports whether every sampled record was found.
func (r *VerifyResult) OK() bool {
	return len(r.Missing) == 0
}

// Verify reads the first sample records of pipeline from the source and
// checks each has a primary document in the destination. Records that fail
// validation never reach the destination, so a miss is not always a defect:
// check the hard-stop channel before re-running.
func (o *Orchestrator) Verify(ctx context.Context, pipeline string, sample int) (*VerifyResult, error) {
	if sample <= 0 {
		sample = 100
	}
	p, err := o.pipeline(pipeline)
	if err != nil {
		return nil, err
	}
	pc, _ := o.pipelineConfig(pipeline)

	page, err := p.Source.FetchPage(ctx, "", sample)
	if err != nil {
		return nil, fmt.Errorf("sampling %s: %w", pipeline, err)
	}

	logging.Info("Sample verification of %s (n=%d):", pipeline, len(page.Records))
	result := &VerifyResult{Pipeline: pipeline, Sampled: len(page.Records)}
	for _, rec := range page.Records {
		_, err := o.destination.FindByLegacyID(ctx, pc.Target.Collection, rec.ID)
		switch {
		case errors.Is(err, target.ErrNotFound):
			logging.Warn("%-20s MISSING", rec.ID)
			result.Missing = append(result.Missing, rec.ID)
		case err != nil:
			return nil, fmt.Errorf("looking up %s: %w", rec.ID, err)
		default:
			logging.Debug("%-20s OK", rec.ID)
			result.Found++
		}
	}

	if result.OK() {
		logging.Info("%s: all %d sampled records present", pipeline, result.Sampled)
	} else {
		logging.Error("%s: %d of %d sampled records missing", pipeline, len(result.Missing), result.Sampled)
	}
	return result, nil
}
