package daemon

import (
	"encoding/json"
	"errors"

	"github.com/wjlgatech/epiloop/internal/model"
	"github.com/wjlgatech/epiloop/internal/uds"
)

type submitParams struct {
	StoryFile string `json:"story_file"`
	Priority  int    `json:"priority"`
}

type jobIDParams struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var params submitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}
	if params.StoryFile == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "story_file is required")
	}

	job, err := d.queue.Submit(params.StoryFile, params.Priority)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	// A fresh submission may be dispatchable immediately.
	d.dispatch()
	return uds.SuccessResponse(job)
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	params, resp := parseJobID(req)
	if resp != nil {
		return resp
	}
	if err := d.queue.Cancel(params.JobID, params.Reason); err != nil {
		return queueError(err)
	}
	return uds.SuccessResponse(map[string]string{"job_id": params.JobID, "status": string(model.JobCancelled)})
}

func (d *Daemon) handlePause(req *uds.Request) *uds.Response {
	params, resp := parseJobID(req)
	if resp != nil {
		return resp
	}
	if err := d.queue.Pause(params.JobID); err != nil {
		return queueError(err)
	}
	return uds.SuccessResponse(map[string]string{"job_id": params.JobID, "status": string(model.JobPaused)})
}

func (d *Daemon) handleResume(req *uds.Request) *uds.Response {
	params, resp := parseJobID(req)
	if resp != nil {
		return resp
	}
	if err := d.queue.Resume(params.JobID); err != nil {
		return queueError(err)
	}
	d.dispatch()
	return uds.SuccessResponse(map[string]string{"job_id": params.JobID, "status": string(model.JobPending)})
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	jobs, err := d.queue.List()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"jobs": jobs})
}

func parseJobID(req *uds.Request) (jobIDParams, *uds.Response) {
	var params jobIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}
	if !model.ValidateID(params.JobID) {
		return params, uds.ErrorResponse(uds.ErrCodeValidation, "invalid job_id")
	}
	return params, nil
}

func queueError(err error) *uds.Response {
	if errors.Is(err, ErrJobNotFound) {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.ErrorResponse(uds.ErrCodeInvalidTransition, err.Error())
}
