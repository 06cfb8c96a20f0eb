package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/repair"
	"github.com/courtatlas/geocurator/pkg/geocode"
)

type searchRequest struct {
	Text string        `json:"text" validate:"max=256"`
	Bias *geocode.Bias `json:"bias"`
}

type reverseRequest struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lng *float64 `json:"lng" validate:"required,longitude"`
}

type detailsRequest struct {
	PlaceID string `json:"placeId" validate:"required,max=512"`
}

// The gateway handlers fail soft: bad input and internal errors both answer
// 200 with an empty payload.

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decodeSoft(w, r, &req) {
		writeJSON(w, http.StatusOK, geocode.EmptySearch())
		return
	}
	res, err := s.gateway.Search(r.Context(), req.Text, req.Bias)
	if err != nil {
		s.log.Warn("search failed", zap.Error(err))
	}
	if res.Places == nil {
		res = geocode.EmptySearch()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if !s.decodeSoft(w, r, &req) {
		writeJSON(w, http.StatusOK, geocode.ReverseResult{})
		return
	}
	res, err := s.gateway.Reverse(r.Context(), *req.Lat, *req.Lng)
	if err != nil {
		s.log.Warn("reverse failed", zap.Error(err))
		res = geocode.ReverseResult{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	var req detailsRequest
	if !s.decodeSoft(w, r, &req) {
		writeJSON(w, http.StatusOK, geocode.StandardPlace{})
		return
	}
	place, err := s.gateway.Details(r.Context(), req.PlaceID)
	if err != nil {
		s.log.Warn("details failed", zap.String("place_id", req.PlaceID), zap.Error(err))
	}
	if err != nil || place == nil {
		place = &geocode.StandardPlace{ID: req.PlaceID}
	}
	writeJSON(w, http.StatusOK, place)
}

func (s *Server) decodeSoft(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		s.log.Debug("undecodable gateway request", zap.String("path", r.URL.Path), zap.Error(err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.log.Debug("invalid gateway request", zap.String("path", r.URL.Path), zap.Error(err))
		return false
	}
	return true
}

type regionView struct {
	Code string `json:"code"`
	Name string `json:"name"`
	ISO  string `json:"iso"`
}

func (s *Server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	if s.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "importer not configured")
		return
	}
	order := s.importer.Order()
	out := make([]regionView, 0, len(order))
	for _, r := range order {
		out = append(out, regionView{Code: r.Code, Name: r.Name, ISO: r.ISOCode()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": out})
}

func (s *Server) handleImportTick(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "importer not configured")
		return
	}
	var rep any
	err := s.track(r.Context(), "import_tick", func(ctx context.Context) (map[string]any, error) {
		res, err := s.importer.Tick(ctx)
		rep = res
		return res.Metadata(), err
	})
	writeRun(w, rep, err)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	var rep any
	err := s.track(r.Context(), "backfill", func(ctx context.Context) (map[string]any, error) {
		res, err := s.backfill.Run(ctx)
		rep = res
		return res.Metadata(), err
	})
	writeRun(w, rep, err)
}

type repairRequest struct {
	Mode             string `json:"mode" validate:"omitempty,oneof=conservative balanced full"`
	CapPerRun        int    `json:"capPerRun" validate:"gte=0,lte=5000"`
	ClusterDecimals  int    `json:"clusterDecimals" validate:"gte=0,lte=6"`
	ParseAddressOnly *bool  `json:"parseAddressOnly"`
	PageSize         int    `json:"pageSize" validate:"gte=0,lte=1000"`
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	if s.repair == nil {
		writeError(w, http.StatusServiceUnavailable, "repair not configured")
		return
	}
	var req repairRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": validationFields(err)})
		return
	}

	opts := s.repaired
	if req.Mode != "" {
		opts.Mode = repair.Mode(req.Mode)
	}
	if req.CapPerRun > 0 {
		opts.CapPerRun = req.CapPerRun
	}
	if req.ClusterDecimals > 0 {
		opts.ClusterDecimals = req.ClusterDecimals
	}
	if req.ParseAddressOnly != nil {
		opts.ParseAddressOnly = *req.ParseAddressOnly
	}
	if req.PageSize > 0 {
		opts.PageSize = req.PageSize
	}

	var rep any
	err := s.track(r.Context(), "repair", func(ctx context.Context) (map[string]any, error) {
		res, err := s.repair.Run(ctx, opts)
		rep = res
		return res.Metadata(), err
	})
	writeRun(w, rep, err)
}

// track runs fn under the run log when one is configured. The run is
// detached from the request and bounded at ten minutes.
func (s *Server) track(ctx context.Context, job string, fn func(ctx context.Context) (map[string]any, error)) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()
	if s.runs == nil {
		_, err := fn(ctx)
		return err
	}
	return s.runs.Track(ctx, job, fn)
}

func writeRun(w http.ResponseWriter, report any, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func validationFields(err error) map[string]string {
	out := map[string]string{}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		out["_"] = err.Error()
		return out
	}
	for _, fe := range ve {
		out[strings.ToLower(fe.Field()[:1])+fe.Field()[1:]] = fe.Tag()
	}
	return out
}
