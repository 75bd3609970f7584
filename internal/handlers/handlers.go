package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/smile-check/internal/artifact"
	"github.com/example/smile-check/internal/imagecodec"
	"github.com/example/smile-check/internal/landmarks"
	"github.com/example/smile-check/internal/middleware"
	"github.com/example/smile-check/internal/smile"
	"github.com/example/smile-check/internal/usecase"
)

// MaxUploadSize is the default request body limit for uploads.
const MaxUploadSize = 10 << 20

// Response formats.
const (
	FormatJSON  = "json"
	FormatImage = "image"
)

const (
	decodeHint = "upload a JPEG, PNG or WebP photograph"
	noFaceHint = "use a well-lit, front-facing photo with the whole face visible"
)

// Options configures the HTTP surface.
type Options struct {
	MaxUploadBytes int64
	DefaultFormat  string
	TempDir        string
	JPEGQuality    int
	Logger         *zap.Logger
}

type faceResponse struct {
	SmilePercentage float64           `json:"smile_percentage"`
	FaceLocation    landmarks.FaceBox `json:"face_location"`
}

type detectResponse struct {
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	RequestID   string         `json:"request_id"`
	Mode        smile.Mode     `json:"mode"`
	SmileScores []float64      `json:"smile_scores"`
	Faces       []faceResponse `json:"faces"`
}

type handler struct {
	uc   *usecase.SmileUseCase
	opts Options
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.SmileUseCase, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = FormatJSON
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.Named("handlers")
	h := &handler{uc: uc, opts: opts}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Smile Detection Service is Running")
	})
	router.GET("/health", h.health)
	router.POST("/detect_smile", h.detectSmile(""))
	router.POST("/detect_smile/annotated", h.detectSmile(FormatImage))
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.uc.Ready(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) detectSmile(forcedFormat string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := middleware.GetRequestID(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"status":  "error",
					"error":   "image too large",
					"message": "upload exceeds " + strconv.FormatInt(h.opts.MaxUploadBytes, 10) + " bytes",
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"error":   "no image",
				"message": "multipart field 'image' is required",
			})
			return
		}

		format := forcedFormat
		if format == "" {
			format = strings.ToLower(formValue(c, "format", h.opts.DefaultFormat))
		}
		if format != FormatJSON && format != FormatImage {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "unsupported format", "message": "format must be json or image"})
			return
		}

		var scorer smile.Scorer
		if name := formValue(c, "mode", ""); name != "" {
			mode, err := smile.ParseMode(name)
			if err == nil {
				scorer, err = smile.New(mode)
			}
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "unsupported mode", "message": err.Error()})
				return
			}
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		analysis, err := h.uc.DetectSmile(c.Request.Context(), requestID, data, usecase.Options{
			Scorer:   scorer,
			Annotate: format == FormatImage,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}

		if format == FormatImage {
			h.writeImage(c, analysis)
			return
		}
		h.writeJSON(c, analysis)
	}
}

func (h *handler) writeJSON(c *gin.Context, analysis *usecase.Analysis) {
	faces := make([]faceResponse, len(analysis.Faces))
	for i, f := range analysis.Faces {
		faces[i] = faceResponse{SmilePercentage: f.Score, FaceLocation: f.Box}
	}
	c.JSON(http.StatusOK, detectResponse{
		Status:      "success",
		Message:     "Smile detection completed!",
		RequestID:   analysis.RequestID,
		Mode:        analysis.Mode,
		SmileScores: analysis.Scores(),
		Faces:       faces,
	})
}

// writeImage spools the annotated JPEG to a temp file and streams it. The
// file is removed when the handler returns, whatever the outcome.
func (h *handler) writeImage(c *gin.Context, analysis *usecase.Analysis) {
	spooled, err := artifact.Spool(h.opts.TempDir, analysis.RequestID, h.opts.Logger, func(w io.Writer) error {
		return imagecodec.EncodeJPEG(w, analysis.Annotated, h.opts.JPEGQuality)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer spooled.Release()

	f, err := os.Open(spooled.Path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer f.Close()

	c.DataFromReader(http.StatusOK, spooled.Size, "image/jpeg", f, map[string]string{
		"X-Smile-Scores": joinScores(analysis.Scores()),
		"X-Face-Count":   strconv.Itoa(len(analysis.Faces)),
		"X-Scoring-Mode": string(analysis.Mode),
	})
}

func (h *handler) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, usecase.ErrDecodeFailed):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid image", "hint": decodeHint})
	case errors.Is(err, usecase.ErrNoFaceDetected):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "no face detected", "hint": noFaceHint})
	case errors.Is(err, usecase.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func formValue(c *gin.Context, key, fallback string) string {
	if v := strings.TrimSpace(c.Query(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.PostForm(key)); v != "" {
		return v
	}
	return fallback
}

func joinScores(scores []float64) string {
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = strconv.FormatFloat(s, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
