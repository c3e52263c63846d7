// Package evidence validates dispute evidence and stores the screenshots
// squads attach to it.
package evidence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/ledger"
	"github.com/samber/do/v2"
)

const (
	MaxTextLength = 2000
	MaxImageBytes = 5 << 20
)

var allowedContentTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Validate normalises evidence and rejects it when there is nothing to look
// at or too much of it.
func Validate(ev challenge.Evidence) (challenge.Evidence, error) {
	ev.Text = strings.TrimSpace(ev.Text)

	images := make([]string, 0, len(ev.Images))

	for _, image := range ev.Images {
		image = strings.TrimSpace(image)
		if image == "" {
			return ev, apperrors.New(apperrors.CodeInvalidArgument, "image reference must not be empty")
		}

		if !slices.Contains(images, image) {
			images = append(images, image)
		}
	}

	ev.Images = images

	if len(ev.Images) == 0 && ev.Text == "" {
		return ev, apperrors.New(apperrors.CodeInsufficientEvidence, "a dispute needs at least one image or a description")
	}

	if len(ev.Images) > challenge.MaxEvidenceImages {
		return ev, apperrors.Newf(apperrors.CodeInvalidArgument,
			"at most %d images can be attached", challenge.MaxEvidenceImages)
	}

	if utf8.RuneCountInString(ev.Text) > MaxTextLength {
		return ev, apperrors.Newf(apperrors.CodeInvalidArgument,
			"description is limited to %d characters", MaxTextLength)
	}

	return ev, nil
}

func refPrefix(challengeID string) string {
	return "evidence/" + challengeID + "/"
}

type EvidenceService struct {
	Store Store

	Challenges *challenge.Repository
	Ledger     *ledger.LedgerService
	Logger     *slog.Logger
}

func NewEvidenceService(i do.Injector) (*EvidenceService, error) {
	logger := do.MustInvoke[*slog.Logger](i)
	bucket := do.MustInvokeNamed[string](i, "s3-bucket")

	result := &EvidenceService{
		Challenges: do.MustInvoke[*challenge.Repository](i),
		Ledger:     do.MustInvoke[*ledger.LedgerService](i),
		Logger:     logger.With("component", "evidence"),
	}

	if bucket != "" {
		store, err := NewS3Store(context.Background(), S3Config{
			Endpoint:        do.MustInvokeNamed[string](i, "s3-endpoint"),
			Region:          do.MustInvokeNamed[string](i, "s3-region"),
			Bucket:          bucket,
			AccessKeyID:     do.MustInvokeNamed[string](i, "s3-access-key-id"),
			SecretAccessKey: do.MustInvokeNamed[string](i, "s3-secret-access-key"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create evidence store: %w", err)
		}

		result.Store = store
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		e.POST("/api/challenges/:id/evidence", result.PostEvidence)
	})

	return result, nil
}

func (s *EvidenceService) logger() *slog.Logger {
	if s.Logger == nil {
		return common.DiscardLogger()
	}

	return s.Logger
}

// Check validates ev for a dispute on challengeID. With a store configured,
// every image must be one uploaded for this challenge.
func (s *EvidenceService) Check(ctx context.Context, challengeID string, ev challenge.Evidence) (challenge.Evidence, error) {
	ev, err := Validate(ev)
	if err != nil {
		return ev, err
	}

	if s == nil || s.Store == nil {
		return ev, nil
	}

	for _, ref := range ev.Images {
		if !strings.HasPrefix(ref, refPrefix(challengeID)) {
			return ev, apperrors.Newf(apperrors.CodeInvalidArgument, "image %s was not uploaded for this challenge", ref)
		}

		ok, err := s.Store.Exists(ctx, ref)
		if err != nil {
			return ev, apperrors.Wrap(apperrors.CodeInternal, "failed to check evidence", err)
		}

		if !ok {
			return ev, apperrors.Newf(apperrors.CodeInvalidArgument, "image %s does not exist", ref)
		}
	}

	return ev, nil
}

// Upload stores one screenshot for challengeID and returns its ref.
func (s *EvidenceService) Upload(ctx context.Context, challengeID, contentType string, body io.Reader) (string, error) {
	if s.Store == nil {
		return "", apperrors.New(apperrors.CodeNotFound, "evidence uploads are not enabled")
	}

	ext, ok := allowedContentTypes[contentType]
	if !ok {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "unsupported image type %q", contentType)
	}

	data, err := readLimited(body, MaxImageBytes)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, "failed to read image", err)
	}

	if len(data) == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "image is empty")
	}

	if len(data) > MaxImageBytes {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "image exceeds %d bytes", MaxImageBytes)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "failed to generate UUID", err)
	}

	ref := refPrefix(challengeID) + id.String() + ext

	err = s.Store.Put(ctx, ref, contentType, data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "failed to store image", err)
	}

	s.logger().InfoContext(ctx, "evidence uploaded", "challenge", challengeID, "ref", ref, "bytes", len(data))

	return ref, nil
}

type uploadResponse struct {
	Ref string `json:"ref"`
}

func (s *EvidenceService) PostEvidence(c echo.Context) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	challengeID := c.Param("id")
	squadID := c.FormValue("squad_id")

	current, err := s.Challenges.Get(ctx, challengeID)
	if err != nil {
		return err
	}

	if current.SideOf(squadID) == challenge.SideNone {
		return apperrors.New(apperrors.CodeNotAuthorized, "squad is not part of this challenge")
	}

	err = s.Ledger.AuthorizeLeader(ctx, squadID, actor.UserID)
	if err != nil {
		return err
	}

	file, err := c.FormFile("file")
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "multipart field \"file\" is required")
	}

	src, err := file.Open()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "failed to open uploaded file", err)
	}

	defer func() {
		_ = src.Close()
	}()

	ref, err := s.Upload(ctx, challengeID, file.Header.Get(echo.HeaderContentType), src)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, uploadResponse{Ref: ref})
}
