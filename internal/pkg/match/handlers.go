package match

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
)

const HeaderIdempotencyKey = "Idempotency-Key"

func (s *MatchService) routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	challengeGroup := apiGroup.Group("/challenges")

	challengeGroup.POST("", s.PostChallenge)
	challengeGroup.GET("/:id", s.GetChallengeHandler)
	challengeGroup.POST("/:id/accept", s.PostAccept)
	challengeGroup.POST("/:id/ready", s.PostReady)
	challengeGroup.POST("/:id/result", s.PostResult)
	challengeGroup.POST("/:id/cancel", s.PostCancel)
	challengeGroup.POST("/:id/dispute", s.PostDispute)

	apiGroup.GET("/squads/:id/challenges", s.GetSquadChallenges)

	adminGroup := apiGroup.Group("/admin", common.RequireAdmin())

	adminGroup.DELETE("/squads/:id", s.DeleteSquad)
	adminGroup.POST("/challenges/:id/expire", s.PostExpire)
}

func idempotency(c echo.Context) []Option {
	key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
	if key == "" {
		return nil
	}

	return []Option{WithIdempotencyKey(key)}
}

// authorize checks that the caller leads squadID before anything touches
// the state machine.
func (s *MatchService) authorize(c echo.Context, squadID string) error {
	actor, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	if squadID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "squad_id is required")
	}

	return s.Ledger.AuthorizeLeader(c.Request().Context(), squadID, actor.UserID)
}

type challengeOp func(ctx context.Context, opts ...Option) (*challenge.Challenge, error)

// run authorizes the acting squad, then runs op with a few retries when it
// loses a race for a lock.
func (s *MatchService) run(c echo.Context, squadID string, status int, op challengeOp) error {
	err := s.authorize(c, squadID)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	opts := idempotency(c)

	result, err := common.RetryContended(ctx, func() (*challenge.Challenge, error) {
		return op(ctx, opts...)
	})
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(status, result)
}

func bind(c echo.Context, v any) error {
	err := c.Bind(v)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "invalid request body")
	}

	return nil
}

func (s *MatchService) PostChallenge(c echo.Context) error {
	var req CreateRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	return s.run(c, req.ChallengerID, http.StatusCreated, func(ctx context.Context, opts ...Option) (*challenge.Challenge, error) {
		return s.Create(ctx, req, opts...)
	})
}

func (s *MatchService) GetChallengeHandler(c echo.Context) error {
	_, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	result, err := s.GetChallenge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, result)
}

func (s *MatchService) PostAccept(c echo.Context) error {
	var req squadRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	return s.run(c, req.SquadID, http.StatusOK, func(ctx context.Context, opts ...Option) (*challenge.Challenge, error) {
		return s.Accept(ctx, c.Param("id"), req.SquadID, opts...)
	})
}

func (s *MatchService) PostReady(c echo.Context) error {
	var req squadRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	return s.run(c, req.SquadID, http.StatusOK, func(ctx context.Context, opts ...Option) (*challenge.Challenge, error) {
		return s.MarkReady(ctx, c.Param("id"), req.SquadID, opts...)
	})
}

func (s *MatchService) PostResult(c echo.Context) error {
	var req resultRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	result, ok := challenge.ParseResult(strings.ToUpper(req.Result))
	if !ok {
		return apperrors.New(apperrors.CodeInvalidArgument, "result must be WIN or LOSS")
	}

	return s.run(c, req.SquadID, http.StatusOK, func(ctx context.Context, opts ...Option) (*challenge.Challenge, error) {
		return s.SubmitResult(ctx, c.Param("id"), req.SquadID, result, opts...)
	})
}

func (s *MatchService) PostCancel(c echo.Context) error {
	var req squadRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	return s.run(c, req.SquadID, http.StatusOK, func(ctx context.Context, opts ...Option) (*challenge.Challenge, error) {
		return s.Cancel(ctx, c.Param("id"), req.SquadID, opts...)
	})
}

func (s *MatchService) PostDispute(c echo.Context) error {
	var req disputeRequest

	err := bind(c, &req)
	if err != nil {
		return err
	}

	ev := challenge.Evidence{Images: req.Images, Text: req.Text}

	return s.run(c, req.SquadID, http.StatusOK, func(ctx context.Context, opts ...Option) (*challenge.Challenge, error) {
		return s.FileDispute(ctx, c.Param("id"), req.SquadID, ev, opts...)
	})
}

func (s *MatchService) GetSquadChallenges(c echo.Context) error {
	_, err := common.RequireActor(c)
	if err != nil {
		return err
	}

	var statuses []challenge.Status

	for _, raw := range strings.Split(c.QueryParam("status"), ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}

		status, ok := challenge.ParseStatus(raw)
		if !ok {
			return apperrors.Newf(apperrors.CodeInvalidArgument, "unknown status %q", raw)
		}

		statuses = append(statuses, status)
	}

	challenges, err := s.ListChallengesForSquad(c.Request().Context(), c.Param("id"), statuses...)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, ChallengeList{Challenges: challenges})
}

func (s *MatchService) DeleteSquad(c echo.Context) error {
	squad, err := s.DeactivateSquad(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, squad)
}

func (s *MatchService) PostExpire(c echo.Context) error {
	ctx := c.Request().Context()

	result, err := common.RetryContended(ctx, func() (*challenge.Challenge, error) {
		return s.Expire(ctx, c.Param("id"))
	})
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, result)
}
