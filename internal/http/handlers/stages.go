package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/workflow"
)

type stagePlanRequest struct {
	ImageURL    string   `json:"imageUrl"`
	ImageModel  string   `json:"imageModel"`
	VideoModel  string   `json:"videoModel"`
	AspectRatio string   `json:"aspectRatio"`
	Prompts     []string `json:"prompts"`
}

type stageOutcomeResponse struct {
	Key          string `json:"key"`
	Index        int    `json:"index"`
	Succeeded    bool   `json:"succeeded"`
	ImageURL     string `json:"image_url,omitempty"`
	RecordID     string `json:"record_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type transitionResponse struct {
	VideoNumber int    `json:"video_number"`
	FromKey     string `json:"from_key"`
	ToKey       string `json:"to_key"`
	RecordID    string `json:"record_id,omitempty"`
}

type stagePlanResponse struct {
	PlanID      string                 `json:"plan_id"`
	Kind        string                 `json:"kind"`
	Outcomes    []stageOutcomeResponse `json:"outcomes"`
	Transitions []transitionResponse   `json:"transitions"`
}

// ConstructionStages generates the staged construction sequence from
// one reference image, kicks off the transition videos, and arms the
// automatic merge. The stage images are generated before responding;
// the videos finish in the background.
func (a *App) ConstructionStages(w http.ResponseWriter, r *http.Request) {
	a.runStagePlan(w, r, workflow.KindConstruction)
}

// InteriorStages is the interior-staging variant of ConstructionStages.
func (a *App) InteriorStages(w http.ResponseWriter, r *http.Request) {
	a.runStagePlan(w, r, workflow.KindInterior)
}

func (a *App) runStagePlan(w http.ResponseWriter, r *http.Request, kind string) {
	input, err := a.parseStagePlanRequest(r, kind)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	run, err := a.Composer.RunStagePlan(r.Context(), *input)
	if err != nil {
		a.writeProviderError(w, err)
		return
	}
	go a.Composer.AwaitTransitions(context.Background(), run.Plan.ID)
	a.json(w, http.StatusOK, toStagePlanResponse(run))
}

// StagePlanStatus reports the current state of a running or finished
// stage plan, including the merge result once it exists.
func (a *App) StagePlanStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := a.Composer.RunStatus(chi.URLParam(r, "id"))
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "stage plan not found")
		return
	}
	resp := map[string]any{"plan": toStagePlanResponse(run)}
	if result, mergeErr, fired := run.MergeResult(); fired {
		if mergeErr != nil {
			resp["merge_error"] = mergeErr.Error()
		} else {
			resp["merged"] = toMergeResponse(result)
		}
	}
	a.json(w, http.StatusOK, resp)
}

type mergeRequest struct {
	VideoIDs []string `json:"videoIds"`
	Partial  bool     `json:"partial"`
}

type mergeResponse struct {
	ID           string   `json:"id"`
	VideoIDs     []string `json:"video_ids"`
	VideoURL     string   `json:"video_url"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	DurationSec  int      `json:"duration_sec"`
	Partial      bool     `json:"partial"`
}

func toMergeResponse(result *domain.MergedVideoResult) mergeResponse {
	return mergeResponse{
		ID:           result.ID,
		VideoIDs:     result.RecordIDs,
		VideoURL:     result.VideoURL,
		ThumbnailURL: result.ThumbnailURL,
		DurationSec:  result.DurationSec,
		Partial:      result.Partial,
	}
}

// StagesMerge concatenates completed transition videos on demand, for
// retries after a failed auto-merge or for partial merges.
func (a *App) StagesMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	result, err := a.Merger.Merge(r.Context(), req.VideoIDs, req.Partial)
	if err != nil {
		a.writeProviderError(w, err)
		return
	}
	a.json(w, http.StatusOK, toMergeResponse(result))
}

func (a *App) parseStagePlanRequest(r *http.Request, kind string) (*workflow.PlanInput, error) {
	stages, ok := workflow.StagesForKind(kind)
	if !ok {
		return nil, errors.New("unknown plan kind")
	}
	input := &workflow.PlanInput{Kind: kind, Stages: stages}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			return nil, errors.New("invalid multipart form")
		}
		input.ImageModel = formFirst(r, "imageModel", "image_model")
		input.VideoModel = formFirst(r, "videoModel", "video_model")
		input.AspectRatio = formFirst(r, "aspectRatio", "aspect_ratio")
		input.Stages = applyPromptOverrides(input.Stages, r.Form["prompts"])
		if url := formFirst(r, "imageUrl", "image_url"); url != "" {
			input.ReferenceImage = domain.MediaRef{Ref: url}
		} else if file, header, err := r.FormFile("image"); err == nil {
			key, storeErr := a.storeUpload(r.Context(), file, header)
			if storeErr != nil {
				return nil, storeErr
			}
			input.ReferenceImage = domain.MediaRef{Ref: key}
		}
	} else {
		var body stagePlanRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, errors.New("invalid payload")
		}
		input.ImageModel = body.ImageModel
		input.VideoModel = body.VideoModel
		input.AspectRatio = body.AspectRatio
		input.Stages = applyPromptOverrides(input.Stages, body.Prompts)
		input.ReferenceImage = domain.MediaRef{Ref: body.ImageURL}
	}
	return input, nil
}

// applyPromptOverrides replaces the built-in stage prompts with the
// caller's, matched by position. Empty entries keep the default.
func applyPromptOverrides(stages []domain.Stage, prompts []string) []domain.Stage {
	if len(prompts) == 0 {
		return stages
	}
	out := make([]domain.Stage, len(stages))
	copy(out, stages)
	for i, p := range prompts {
		if i >= len(out) {
			break
		}
		if p != "" {
			out[i].Prompt = p
		}
	}
	return out
}

func toStagePlanResponse(run *workflow.Run) stagePlanResponse {
	resp := stagePlanResponse{
		PlanID:      run.Plan.ID,
		Kind:        run.Plan.Kind,
		Outcomes:    make([]stageOutcomeResponse, 0, len(run.Plan.Outcomes)),
		Transitions: make([]transitionResponse, 0, len(run.Transitions)),
	}
	for _, o := range run.Plan.Outcomes {
		resp.Outcomes = append(resp.Outcomes, stageOutcomeResponse{
			Key: o.Key, Index: o.Index, Succeeded: o.Succeeded,
			ImageURL: o.ImageURL, RecordID: o.RecordID, ErrorMessage: o.ErrorMessage,
		})
	}
	for _, tv := range run.Transitions {
		resp.Transitions = append(resp.Transitions, transitionResponse{
			VideoNumber: tv.VideoNumber, FromKey: tv.FromKey, ToKey: tv.ToKey, RecordID: tv.RecordID,
		})
	}
	return resp
}
