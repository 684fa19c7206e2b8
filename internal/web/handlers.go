package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"panelforge/internal/compat"
	"panelforge/internal/consistency"
	"panelforge/internal/controlnet"
	"panelforge/internal/infra"
	"panelforge/internal/interfaces"
	"panelforge/internal/models"
)

// Handlers exposes the compatibility resolver, control stack and consistency
// service over HTTP.
type Handlers struct {
	resolver       *compat.Resolver
	stack          *controlnet.Stack
	svc            *consistency.Service
	backend        interfaces.Backend
	comfyuiManager *infra.ComfyUIManager
}

// Deps wires the handler collaborators. The ComfyUI manager is optional.
type Deps struct {
	Resolver       *compat.Resolver
	Stack          *controlnet.Stack
	Consistency    *consistency.Service
	Backend        interfaces.Backend
	ComfyUIManager *infra.ComfyUIManager
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		resolver:       deps.Resolver,
		stack:          deps.Stack,
		svc:            deps.Consistency,
		backend:        deps.Backend,
		comfyuiManager: deps.ComfyUIManager,
	}
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the HTTP surface over the given handlers.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Request logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("REQUEST: %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})

	// CORS middleware
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Model compatibility
		r.Get("/compatibility", h.GetCompatibility)

		// Control stack
		r.Route("/controls", func(r chi.Router) {
			r.Get("/presets", h.ListPresets)
			r.Get("/presets/{id}", h.GetPreset)
			r.Post("/influence", h.CalculateInfluence)
			r.Post("/preprocess", h.PreprocessForStack)
		})
		r.Post("/generate", h.Generate)
		r.Post("/generate/preset", h.GenerateWithPreset)

		// Identity registry
		r.Route("/identities", func(r chi.Router) {
			r.Get("/", h.ListIdentities)
			r.Post("/", h.ExtractIdentity)
			r.Get("/{id}", h.GetIdentity)
			r.Post("/{id}/apply", h.ApplyIdentity)
			r.Post("/{id}/sheet", h.GenerateReferenceSheet)
			r.Delete("/", h.ClearIdentities)
		})
		r.Get("/adapters", h.ListAdapters)

		// Panel chaining
		r.Post("/chain", h.Chain)
		r.Post("/chain/sequence", h.ChainSequence)

		// ComfyUI management endpoints
		r.Route("/comfyui", func(r chi.Router) {
			r.Get("/status", h.GetComfyUIStatus)
			r.Post("/start", h.StartComfyUI)
			r.Post("/stop", h.StopComfyUI)
			r.Post("/restart", h.RestartComfyUI)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if bs, err := h.backend.GetStatus(ctx); err != nil || !bs.IsAvailable {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"service": "panelforge",
	})
}

// GetCompatibility reports the full control support matrix for ?model=.
func (h *Handlers) GetCompatibility(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "model query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, h.resolver.GetFullCompatibility(model))
}

func (h *Handlers) ListPresets(w http.ResponseWriter, r *http.Request) {
	useCase := r.URL.Query().Get("use_case")
	if useCase != "" {
		writeJSON(w, http.StatusOK, controlnet.GetPresetsForUseCase(useCase))
		return
	}
	writeJSON(w, http.StatusOK, controlnet.ListPresets())
}

func (h *Handlers) GetPreset(w http.ResponseWriter, r *http.Request) {
	preset, ok := controlnet.GetPreset(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "preset not found")
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

// CalculateInfluence previews the combined control influence of a stack
// without generating.
func (h *Handlers) CalculateInfluence(w http.ResponseWriter, r *http.Request) {
	var req controlnet.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	total, warning := controlnet.CalculateTotalInfluence(req.Controls)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_influence": total,
		"warning":         warning,
	})
}

func (h *Handlers) PreprocessForStack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image     string               `json:"image"`
		Types     []models.ControlType `json:"types"`
		OutputDir string               `json:"output_dir,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.stack.PreprocessForStack(r.Context(), req.Image, req.Types, req.OutputDir))
}

func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req controlnet.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.stack.Generate(r.Context(), &req))
}

func (h *Handlers) GenerateWithPreset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PresetID       string                    `json:"preset_id"`
		ReferenceImage string                    `json:"reference_image"`
		Prompt         string                    `json:"prompt"`
		Options        *controlnet.PresetOptions `json:"options,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.stack.GenerateWithPreset(r.Context(), req.PresetID, req.ReferenceImage, req.Prompt, req.Options))
}

func (h *Handlers) ListIdentities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListIdentities(r.Context()))
}

func (h *Handlers) ExtractIdentity(w http.ResponseWriter, r *http.Request) {
	var req consistency.ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ExtractIdentity(r.Context(), &req))
}

func (h *Handlers) GetIdentity(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.svc.GetIdentity(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "identity not found")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handlers) ApplyIdentity(w http.ResponseWriter, r *http.Request) {
	var req consistency.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.IdentityID = chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, h.svc.ApplyIdentity(r.Context(), &req))
}

func (h *Handlers) GenerateReferenceSheet(w http.ResponseWriter, r *http.Request) {
	var req consistency.ReferenceSheetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.IdentityID = chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, h.svc.GenerateReferenceSheet(r.Context(), &req))
}

func (h *Handlers) ClearIdentities(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) ListAdapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, consistency.ListAdapterModels())
}

func (h *Handlers) Chain(w http.ResponseWriter, r *http.Request) {
	var req consistency.ChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ChainFromPrevious(r.Context(), &req))
}

func (h *Handlers) ChainSequence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PanelIDs []string                 `json:"panel_ids"`
		Options  consistency.ChainOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ChainSequence(r.Context(), req.PanelIDs, req.Options))
}

// ComfyUI management

type ComfyUIStatusResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

func (h *Handlers) GetComfyUIStatus(w http.ResponseWriter, r *http.Request) {
	if h.comfyuiManager == nil {
		writeError(w, http.StatusServiceUnavailable, "ComfyUI manager not initialized")
		return
	}

	response := ComfyUIStatusResponse{Status: string(h.comfyuiManager.GetStatus())}
	if h.comfyuiManager.IsReady() {
		response.URL = h.comfyuiManager.GetURL()
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) StartComfyUI(w http.ResponseWriter, r *http.Request) {
	if h.comfyuiManager == nil {
		writeError(w, http.StatusServiceUnavailable, "ComfyUI manager not initialized")
		return
	}

	if h.comfyuiManager.IsReady() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"message": "ComfyUI is already running",
			"status":  "running",
			"url":     h.comfyuiManager.GetURL(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.comfyuiManager.Start(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start ComfyUI: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "ComfyUI is starting...",
		"status":  "starting",
	})
}

func (h *Handlers) StopComfyUI(w http.ResponseWriter, r *http.Request) {
	if h.comfyuiManager == nil {
		writeError(w, http.StatusServiceUnavailable, "ComfyUI manager not initialized")
		return
	}

	if h.comfyuiManager.GetStatus() == infra.ComfyUIStatusStopped {
		writeJSON(w, http.StatusConflict, map[string]string{
			"message": "ComfyUI is already stopped",
			"status":  "stopped",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.comfyuiManager.Stop(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop ComfyUI: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ComfyUI stopped successfully",
		"status":  "stopped",
	})
}

func (h *Handlers) RestartComfyUI(w http.ResponseWriter, r *http.Request) {
	if h.comfyuiManager == nil {
		writeError(w, http.StatusServiceUnavailable, "ComfyUI manager not initialized")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if err := h.comfyuiManager.Restart(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to restart ComfyUI: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "ComfyUI is restarting...",
		"status":  "starting",
	})
}
