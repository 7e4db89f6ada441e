package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
)

type CreateCaseRequest struct {
	UUID           string `json:"uuid,omitempty" doc:"Case identity, generated when empty"`
	CaseName       string `json:"case_name" minLength:"1"`
	ProcessNum     int    `json:"process_num,omitempty" minimum:"0"`
	RunnerImageTag string `json:"runner_image_tag,omitempty"`
}

type UpdateCasesRequest struct {
	UUIDs          []string `json:"uuids" minItems:"1"`
	Status         string   `json:"status,omitempty" doc:"PAUSE, CANCEL or RESUME"`
	RunnerImageTag *string  `json:"runner_image_tag,omitempty"`
}

type DeleteCasesRequest struct {
	UUIDs []string `json:"uuids" minItems:"1"`
}

type caseList = response[[]evaluation.CaseRecord]

var caseErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerCases(api huma.API, svc CaseService) {
	huma.Register(api, huma.Operation{
		OperationID: "create-case",
		Method:      http.MethodPost,
		Path:        "/auto-test",
		Summary:     "Submit a case",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest
	}) (*caseList, error) {
		rec, err := svc.Submit(ctx, evaluation.CaseParams{
			UUID:           strings.TrimSpace(input.Body.UUID),
			CaseName:       input.Body.CaseName,
			ProcessNum:     input.Body.ProcessNum,
			RunnerImageTag: input.Body.RunnerImageTag,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok([]evaluation.CaseRecord{rec}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cases",
		Method:      http.MethodPatch,
		Path:        "/auto-test",
		Summary:     "Request a status change",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		Body UpdateCasesRequest
	}) (*caseList, error) {
		body := input.Body
		if body.Status == "" {
			if body.RunnerImageTag == nil {
				return nil, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, "status or runner_image_tag is required")
			}
			recs, err := svc.UpdateImageTag(ctx, body.UUIDs, *body.RunnerImageTag)
			if err != nil {
				return nil, handleError(err)
			}
			return ok(nonNil(recs)), nil
		}
		action, valid := evaluation.ParseAction(body.Status)
		if !valid {
			return nil, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidAction, fmt.Sprintf("bad request status %s", body.Status))
		}
		recs, err := svc.RequestStatusChange(ctx, body.UUIDs, action)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-cases",
		Method:      http.MethodDelete,
		Path:        "/auto-test",
		Summary:     "Force end cases",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		Body DeleteCasesRequest
	}) (*caseList, error) {
		recs, err := svc.ForceEnd(ctx, input.Body.UUIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(recs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/auto-test",
		Summary:     "List cases",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		UUID    string   `query:"uuid"`
		UUIDs   []string `query:"uuids"`
		Status  []string `query:"status"`
		Deleted bool     `query:"deleted" doc:"List soft-deleted cases instead of live ones"`
		Limit   int      `query:"limit" minimum:"0"`
	}) (*caseList, error) {
		f := caserecord.Filter{
			UUID:        strings.TrimSpace(input.UUID),
			UUIDs:       input.UUIDs,
			OnlyDeleted: input.Deleted,
			Limit:       input.Limit,
		}
		for _, raw := range input.Status {
			st, valid := evaluation.ParseCaseStatus(raw)
			if !valid {
				return nil, newAPIError(http.StatusBadRequest, evaluation.ErrCodeInvalidParams, fmt.Sprintf("unknown status %q", raw))
			}
			f.Statuses = append(f.Statuses, st)
		}
		recs, err := svc.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNil(recs)), nil
	})
}

func nonNil(recs []evaluation.CaseRecord) []evaluation.CaseRecord {
	if recs == nil {
		return []evaluation.CaseRecord{}
	}
	return recs
}
