// Package task implements the administrative task/job inbox: a
// controller that owns a given op claims the task via compare-and-set on
// claimed_by, then reports progress and the final result back onto the
// same record.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Claim attempts to claim task uuid for owner (this node's name). It
// returns (nil, false, nil) if another owner already holds it.
func Claim(client kv.Client, uuid, owner string) (*types.Task, bool, error) {
	rec, err := client.Get("tasks/" + uuid)
	if err != nil {
		return nil, false, err
	}
	var t types.Task
	if err := json.Unmarshal(rec.Value, &t); err != nil {
		return nil, false, err
	}
	if t.ClaimedBy != "" && t.ClaimedBy != owner {
		return nil, false, nil
	}

	t.ClaimedBy = owner
	t.State = types.TaskRunning
	t.UpdatedAt = time.Now()
	if err := client.CAS("tasks/"+uuid, rec.Version, &t); err != nil {
		return nil, false, nil // lost the race to another claimant
	}

	metrics.TasksClaimedTotal.WithLabelValues(t.Op).Inc()
	return &t, true, nil
}

// ClaimUnclaimed scans the inbox for tasks matching op with no owner yet
// and tries to claim one, returning nil if none are available.
func ClaimUnclaimed(client kv.Client, op, owner string) (*types.Task, error) {
	recs, err := client.List("tasks")
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		var t types.Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			continue
		}
		if t.Op != op || t.ClaimedBy != "" || t.State != types.TaskAccepted {
			continue
		}
		claimed, ok, err := Claim(client, t.UUID, owner)
		if err != nil {
			log.Errorf(fmt.Sprintf("claim task %s", t.UUID), err)
			continue
		}
		if ok {
			return claimed, nil
		}
	}
	return nil, nil
}

// Complete marks a claimed task done.
func Complete(client kv.Client, t *types.Task, message string) error {
	return finish(client, t, types.TaskDone, message)
}

// Fail marks a claimed task failed, surfacing err in the message field.
func Fail(client kv.Client, t *types.Task, err error) error {
	metrics.TasksFailedTotal.WithLabelValues(t.Op).Inc()
	return finish(client, t, types.TaskFailed, err.Error())
}

func finish(client kv.Client, t *types.Task, state types.TaskState, message string) error {
	rec, err := client.Get("tasks/" + t.UUID)
	if err != nil {
		return err
	}
	var cur types.Task
	if err := json.Unmarshal(rec.Value, &cur); err != nil {
		return err
	}
	cur.State = state
	cur.Message = message
	cur.UpdatedAt = time.Now()
	return client.CAS("tasks/"+t.UUID, rec.Version, &cur)
}

// Submit creates a new task in the inbox for a controller to claim.
func Submit(client kv.Client, uuid, op string, params map[string]string) error {
	t := &types.Task{
		UUID:      uuid,
		Op:        op,
		Params:    params,
		State:     types.TaskAccepted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return client.Put("tasks/"+uuid, t)
}
