package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/smile-check/internal/annotate"
	"github.com/example/smile-check/internal/imagecodec"
	"github.com/example/smile-check/internal/landmarks"
	"github.com/example/smile-check/internal/logging"
	"github.com/example/smile-check/internal/smile"
)

var (
	// ErrDecodeFailed is returned when the upload is not a decodable image.
	ErrDecodeFailed = errors.New("invalid image")
	// ErrNoFaceDetected is returned when the oracle finds no faces.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrTimeout is returned when processing exceeds the configured deadline.
	ErrTimeout = errors.New("processing timed out")
	// ErrFaceOutOfRange is returned when the oracle places a face far outside the image.
	ErrFaceOutOfRange = errors.New("face geometry outside image")
)

// FaceResult is the score for one detected face.
type FaceResult struct {
	Score float64
	Box   landmarks.FaceBox
}

// Analysis is the outcome of one request. Faces has one entry per detected face.
type Analysis struct {
	RequestID string
	Mode      smile.Mode
	Faces     []FaceResult
	// Annotated is set only when Options.Annotate was requested.
	Annotated *image.RGBA
}

// Scores lists the face scores in detection order.
func (a *Analysis) Scores() []float64 {
	scores := make([]float64, len(a.Faces))
	for i, f := range a.Faces {
		scores[i] = f.Score
	}
	return scores
}

// Options tune a single DetectSmile call.
type Options struct {
	// Scorer overrides the default strategy when non-nil.
	Scorer   smile.Scorer
	Annotate bool
}

// SmileUseCase runs decode, landmark detection, scoring and annotation.
type SmileUseCase struct {
	oracle  landmarks.Oracle
	scorer  smile.Scorer
	slots     *semaphore.Weighted
	timeout   time.Duration
	maxPixels int64
	logger    *zap.Logger
}

// NewSmileUseCase constructs a use case. maxConcurrent bounds in-flight oracle
// calls and maxPixels bounds the decoded upload (zero selects the codec default).
func NewSmileUseCase(oracle landmarks.Oracle, scorer smile.Scorer, maxConcurrent int, timeout time.Duration, maxPixels int64, logger *zap.Logger) *SmileUseCase {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SmileUseCase{
		oracle:    oracle,
		scorer:    scorer,
		slots:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:   timeout,
		maxPixels: maxPixels,
		logger:    logger.Named("smile_usecase"),
	}
}

// DefaultMode reports the scoring strategy used when Options.Scorer is nil.
func (uc *SmileUseCase) DefaultMode() smile.Mode {
	return uc.scorer.Mode()
}

// Ready reports whether the landmark oracle can serve requests.
func (uc *SmileUseCase) Ready(ctx context.Context) error {
	return uc.oracle.Ready(ctx)
}

// DetectSmile scores every face in the image.
func (uc *SmileUseCase) DetectSmile(ctx context.Context, requestID string, imageBytes []byte, opts Options) (*Analysis, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.detect_smile", requestID)

	scorer := opts.Scorer
	if scorer == nil {
		scorer = uc.scorer
	}

	img, err := imagecodec.Decode(imageBytes, uc.maxPixels)
	if err != nil {
		opLogger.Info("upload rejected", zap.Error(err), zap.Int("bytes", len(imageBytes)))
		return nil, logging.NewOperationError("usecase.decode_image", requestID, fmt.Errorf("%w: %v", ErrDecodeFailed, err))
	}

	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	faces, err := uc.detect(ctx, img)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		wrapped := logging.NewOperationError("usecase.detect_landmarks", requestID, err)
		opLogger.Error("landmark detection failed", logging.ErrorField(wrapped))
		return nil, wrapped
	}
	if len(faces) == 0 {
		opLogger.Info("no face detected")
		return nil, logging.NewOperationError("usecase.detect_landmarks", requestID, ErrNoFaceDetected)
	}

	analysis := &Analysis{
		RequestID: requestID,
		Mode:      scorer.Mode(),
		Faces:     make([]FaceResult, 0, len(faces)),
	}
	if opts.Annotate {
		analysis.Annotated = imagecodec.Canvas(img)
	}

	for i, face := range faces {
		if err := ctx.Err(); err != nil {
			wrapped := logging.NewOperationError("usecase.score_face", requestID, fmt.Errorf("%w: %v", ErrTimeout, err))
			opLogger.Error("processing deadline reached", logging.ErrorField(wrapped), zap.Int("face", i))
			return nil, wrapped
		}
		if err := checkFaceRange(face, img.Bounds()); err != nil {
			wrapped := logging.NewOperationError("usecase.check_face", requestID, fmt.Errorf("face %d: %w", i, err))
			opLogger.Error("oracle returned unusable face", logging.ErrorField(wrapped))
			return nil, wrapped
		}
		score, err := scorer.Score(face.Landmarks, face.Box.Height())
		if err != nil {
			wrapped := logging.NewOperationError("usecase.score_face", requestID, fmt.Errorf("face %d: %w", i, err))
			opLogger.Error("scoring failed", logging.ErrorField(wrapped), zap.Any("box", face.Box))
			return nil, wrapped
		}
		analysis.Faces = append(analysis.Faces, FaceResult{Score: score, Box: face.Box})

		if analysis.Annotated != nil {
			annotate.Draw(analysis.Annotated, face.Box, face.Landmarks, score)
		}
	}

	opLogger.Info("smile detection completed",
		zap.Int("faces", len(analysis.Faces)),
		zap.Float64s("scores", analysis.Scores()),
		zap.String("mode", string(analysis.Mode)),
	)
	return analysis, nil
}

// checkFaceRange rejects faces whose box or landmarks lie further outside the
// image than one image dimension. Landmarks slightly past the edge are normal
// for faces cut off by the frame.
func checkFaceRange(face landmarks.Face, bounds image.Rectangle) error {
	margin := bounds.Dx()
	if bounds.Dy() > margin {
		margin = bounds.Dy()
	}
	allowed := bounds.Inset(-margin)
	in := func(x, y int) bool {
		return x >= allowed.Min.X && x <= allowed.Max.X && y >= allowed.Min.Y && y <= allowed.Max.Y
	}

	if !in(face.Box.Left, face.Box.Top) || !in(face.Box.Right, face.Box.Bottom) {
		return fmt.Errorf("%w: box %+v for %dx%d image", ErrFaceOutOfRange, face.Box, bounds.Dx(), bounds.Dy())
	}
	for i, p := range face.Landmarks {
		if !in(p.X, p.Y) {
			return fmt.Errorf("%w: landmark %d at (%d,%d) for %dx%d image", ErrFaceOutOfRange, i, p.X, p.Y, bounds.Dx(), bounds.Dy())
		}
	}
	return nil
}

// detect holds a worker slot for the duration of the single oracle call.
func (uc *SmileUseCase) detect(ctx context.Context, img image.Image) ([]landmarks.Face, error) {
	if err := uc.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for detection slot: %w", err)
	}
	defer uc.slots.Release(1)

	return uc.oracle.Detect(ctx, img)
}
