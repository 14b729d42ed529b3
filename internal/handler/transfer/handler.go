package transfer

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	transferService "github.com/zhouzirui/personify/backend/internal/service/transfer"
	"github.com/zhouzirui/personify/backend/pkg/utils"
)

// maxUpload bounds an import request, images included.
const maxUpload = 256 << 20

// Reconciler exports and imports persona documents.
type Reconciler interface {
	Export(ctx context.Context) (transferService.Document, error)
	ImportFrom(ctx context.Context, doc io.Reader, idMap io.Reader, confirm transferService.ConfirmFunc, progress transferService.ProgressFunc) (transferService.Result, error)
}

// Handler serves export downloads and streamed imports.
type Handler struct {
	reconciler Reconciler
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a transfer handler.
func New(reconciler Reconciler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reconciler: reconciler, now: time.Now, logger: logger}
}

// RegisterRoutes registers the export and import routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/export", h.handleExport)
	r.Post("/import", h.handleImport)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := h.reconciler.Export(r.Context())
	if err != nil {
		h.logger.Error("export failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+transferService.FileName(h.now())+`"`)
	w.WriteHeader(http.StatusOK)
	if err := transferService.WriteDocument(w, doc); err != nil {
		h.logger.Warn("failed to write export", zap.Error(err))
	}
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mode, err := transferService.ParseMode(query.Get("mode"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	preserve := false
	if raw := query.Get("preserveIds"); raw != "" {
		if preserve, err = strconv.ParseBool(raw); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "preserveIds must be a boolean")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	doc, err := openPart(r, "document")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "document file is required")
		return
	}
	defer doc.Close()

	var idMap io.Reader
	if mapFile, err := openPart(r, "map"); err == nil {
		defer mapFile.Close()
		idMap = mapFile
	}

	// The event stream starts once the upload parsed; earlier failures are
	// plain JSON errors.
	var stream *utils.SSEStream
	confirm := func(parsed transferService.Document) (transferService.Policy, bool) {
		s, ok := utils.NewSSEStream(w)
		if !ok {
			return transferService.Policy{}, false
		}
		stream = s
		stream.Send("start", map[string]any{"personas": len(parsed.Personas), "images": len(parsed.Images)})
		return transferService.Policy{Mode: mode, PreserveIDs: preserve}, true
	}
	progress := func(p transferService.Progress) {
		stream.Send("progress", map[string]any{"done": p.Done, "total": p.Total, "fraction": p.Fraction()})
	}

	result, err := h.reconciler.ImportFrom(r.Context(), doc, idMap, confirm, progress)
	if stream == nil {
		switch {
		case errors.Is(err, transferService.ErrMalformed):
			utils.RespondError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		}
		return
	}
	if err != nil {
		h.logger.Warn("import failed", zap.String("mode", string(mode)), zap.Error(err))
		stream.Send("error", map[string]string{"error": err.Error()})
		return
	}

	h.logger.Info("import completed",
		zap.String("mode", string(result.Mode)),
		zap.Int("personas", result.Personas),
		zap.Int("images", result.Images),
	)
	stream.Send("done", result)
}

func openPart(r *http.Request, name string) (multipart.File, error) {
	file, _, err := r.FormFile(name)
	return file, err
}
