// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tradeacademy/progress-engine/internal/application/readcache"
	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/pkg/logger"
	"github.com/tradeacademy/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DASHBOARD QUERY
// Builds the {overview, streaks, achievements, studyCalendar} payload consumed
// by the dashboard and achievements pages.
// ══════════════════════════════════════════════════════════════════════════════

// MaxCalendarDays bounds the study calendar window.
const MaxCalendarDays = 366

// GetDashboardQuery contains the parameters of a dashboard read.
type GetDashboardQuery struct {
	UserID string

	// CalendarDays is the study calendar window ending today. Zero selects the
	// configured default, which is the only window served from cache.
	CalendarDays int
}

// Validate checks the query and applies defaults.
func (q *GetDashboardQuery) Validate(defaultDays int) error {
	if q.UserID == "" {
		return shared.NewDomainError("dashboard", "Validate", shared.ErrEmptyValue, "user_id is required")
	}
	if q.CalendarDays == 0 {
		q.CalendarDays = defaultDays
	}
	if q.CalendarDays < 1 || q.CalendarDays > MaxCalendarDays {
		return shared.NewDomainError("dashboard", "Validate", shared.ErrValueOutOfRange,
			fmt.Sprintf("calendar days must be between 1 and %d", MaxCalendarDays))
	}
	return nil
}

// DashboardDTO is the dashboard payload.
type DashboardDTO struct {
	UserID        string           `json:"user_id"`
	Overview      OverviewDTO      `json:"overview"`
	Streaks       StreaksDTO       `json:"streaks"`
	Achievements  []AchievementDTO `json:"achievements"`
	StudyCalendar []CalendarDayDTO `json:"study_calendar"`
	GeneratedAt   time.Time        `json:"generated_at"`

	// Cached reports whether the payload came from the read cache.
	Cached bool `json:"cached"`
}

// OverviewDTO summarises overall progress.
type OverviewDTO struct {
	TotalLessons          int        `json:"total_lessons"`
	CompletedLessons      int        `json:"completed_lessons"`
	CompletionRate        float64    `json:"completion_rate"`
	TotalTimeSpentSeconds int64      `json:"total_time_spent_seconds"`
	AverageQuizScore      float64    `json:"average_quiz_score"`
	TotalQuizAttempts     int        `json:"total_quiz_attempts"`
	AchievementsEarned    int        `json:"achievements_earned"`
	TotalPoints           int        `json:"total_points"`
	LastActivityDate      *time.Time `json:"last_activity_date,omitempty"`
}

// StreaksDTO holds streak information.
type StreaksDTO struct {
	Current          int        `json:"current"`
	Longest          int        `json:"longest"`
	ActiveToday      bool       `json:"active_today"`
	LastActivityDate *time.Time `json:"last_activity_date,omitempty"`
}

// AchievementDTO is one catalog entry with the user's status.
type AchievementDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Criteria    string     `json:"criteria_kind"`
	Threshold   float64    `json:"threshold"`
	Points      int        `json:"points"`
	Earned      bool       `json:"earned"`
	EarnedAt    *time.Time `json:"earned_at,omitempty"`
	Progress    float64    `json:"progress"`
}

// CalendarDayDTO is one day of the study calendar.
type CalendarDayDTO struct {
	Date             string `json:"date"`
	Completions      int    `json:"completions"`
	TimeSpentSeconds int64  `json:"time_spent_seconds"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GetDashboardConfig configures the handler.
type GetDashboardConfig struct {
	DefaultCalendarDays int
	Location            *time.Location
	// LoadTimeout bounds a shared load, which outlives the request that
	// started it.
	LoadTimeout time.Duration
}

// DefaultGetDashboardConfig returns default configuration.
func DefaultGetDashboardConfig() GetDashboardConfig {
	return GetDashboardConfig{DefaultCalendarDays: 90, Location: time.UTC, LoadTimeout: 5 * time.Second}
}

// GetDashboardHandler handles GetDashboardQuery.
type GetDashboardHandler struct {
	reader  progress.Reader
	catalog *progress.Catalog
	cache   *readcache.ReadCache
	log     *logger.Logger
	now     func() time.Time
	config  GetDashboardConfig
	flights singleflight.Group
}

// NewGetDashboardHandler creates a new GetDashboardHandler.
func NewGetDashboardHandler(
	reader progress.Reader,
	catalog *progress.Catalog,
	cache *readcache.ReadCache,
	log *logger.Logger,
	now func() time.Time,
	config GetDashboardConfig,
) *GetDashboardHandler {
	def := DefaultGetDashboardConfig()
	if config.DefaultCalendarDays <= 0 {
		config.DefaultCalendarDays = def.DefaultCalendarDays
	}
	if config.Location == nil {
		config.Location = def.Location
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = def.LoadTimeout
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	if cache == nil {
		cache = readcache.New(nil, 0, log, nil)
	}
	return &GetDashboardHandler{
		reader:  reader,
		catalog: catalog,
		cache:   cache,
		log:     log.With(logger.Component("get_dashboard")),
		now:     now,
		config:  config,
	}
}

// Handle returns the dashboard, from cache when possible.
func (h *GetDashboardHandler) Handle(ctx context.Context, q GetDashboardQuery) (*DashboardDTO, error) {
	if err := q.Validate(h.config.DefaultCalendarDays); err != nil {
		return nil, err
	}
	if q.CalendarDays != h.config.DefaultCalendarDays {
		return h.load(ctx, q)
	}

	key := readcache.DashboardKey(q.UserID)
	if payload, ok := h.cache.Get(ctx, key); ok {
		var dto DashboardDTO
		if err := json.Unmarshal(payload, &dto); err == nil {
			dto.Cached = true
			return &dto, nil
		}
		h.log.Warn("discarding undecodable cache entry", logger.CacheKey(key))
	}

	version, fillable := h.cache.Version(ctx, key)
	if !fillable {
		return h.load(ctx, q)
	}

	// The version is part of the flight key so a read issued after a write
	// never joins a load that started before it.
	// The load is detached from the caller so one disconnecting client does
	// not fail everyone who joined it.
	flight := key + "@" + strconv.FormatUint(version, 10)
	ch := h.flights.DoChan(flight, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.LoadTimeout)
		defer cancel()

		dto, err := h.load(fctx, q)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(dto)
		if err != nil {
			return nil, fmt.Errorf("failed to encode dashboard: %w", err)
		}
		h.cache.Fill(fctx, key, payload, version)
		return dto, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*DashboardDTO)
		return &out, nil
	}
}

// load reads everything from the store. The three reads are independent and
// run concurrently.
func (h *GetDashboardHandler) load(ctx context.Context, q GetDashboardQuery) (*DashboardDTO, error) {
	active, err := h.reader.UserActive(ctx, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if !active {
		return nil, shared.ErrUserNotFound
	}

	now := h.now()
	today := timeutil.DateIn(now, h.config.Location)
	from := timeutil.AddDays(today, -(q.CalendarDays - 1))

	var (
		agg      *progress.Aggregate
		unlocks  []progress.UserAchievement
		activity []progress.DayActivity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := h.reader.GetAggregate(gctx, q.UserID)
		if errors.Is(err, progress.ErrAggregateNotFound) {
			total, err := h.reader.CountActiveLessons(gctx)
			if err != nil {
				return fmt.Errorf("failed to count lessons: %w", err)
			}
			a = progress.NewAggregate(q.UserID)
			a.TotalLessons = total
			agg = a
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load aggregate: %w", err)
		}
		agg = a
		return nil
	})
	g.Go(func() error {
		var err error
		unlocks, err = h.reader.ListUserAchievements(gctx, q.UserID)
		if err != nil {
			return fmt.Errorf("failed to load achievements: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		activity, err = h.reader.StudyCalendar(gctx, q.UserID, from, today, h.config.Location)
		if err != nil {
			return fmt.Errorf("failed to load study calendar: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dto := &DashboardDTO{
		UserID:        q.UserID,
		Achievements:  h.achievements(agg, unlocks),
		StudyCalendar: calendar(from, today, activity),
		GeneratedAt:   now.UTC(),
	}

	earned, points := 0, 0
	for _, a := range dto.Achievements {
		if a.Earned {
			earned++
			points += a.Points
		}
	}

	dto.Overview = OverviewDTO{
		TotalLessons:          agg.TotalLessons,
		CompletedLessons:      agg.CompletedLessons,
		CompletionRate:        agg.CompletionRate(),
		TotalTimeSpentSeconds: agg.TotalTimeSpentSeconds,
		AverageQuizScore:      agg.AverageQuizScore,
		TotalQuizAttempts:     agg.TotalQuizAttempts,
		AchievementsEarned:    earned,
		TotalPoints:           points,
		LastActivityDate:      agg.LastActivityDate,
	}

	current := agg.DisplayStreak(today)
	dto.Streaks = StreaksDTO{
		Current:          current,
		Longest:          max(agg.LongestStreak, current),
		ActiveToday:      agg.LastActivityDate != nil && agg.LastActivityDate.Equal(today),
		LastActivityDate: agg.LastActivityDate,
	}

	return dto, nil
}

func (h *GetDashboardHandler) achievements(agg *progress.Aggregate, unlocks []progress.UserAchievement) []AchievementDTO {
	earnedAt := make(map[string]time.Time, len(unlocks))
	for _, u := range unlocks {
		earnedAt[u.AchievementID] = u.EarnedAt
	}

	catalog := h.catalog.All()
	out := make([]AchievementDTO, 0, len(catalog))
	for _, a := range catalog {
		dto := AchievementDTO{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Category:    a.Category,
			Criteria:    a.Criteria.String(),
			Threshold:   a.Threshold,
			Points:      a.Points,
			Progress:    progress.Progress(a, agg),
		}
		if at, ok := earnedAt[a.ID]; ok {
			at := at
			dto.Earned = true
			dto.EarnedAt = &at
			dto.Progress = 100
		}
		out = append(out, dto)
	}
	return out
}

// calendar expands sparse activity into one entry per day of the window.
func calendar(from, to time.Time, activity []progress.DayActivity) []CalendarDayDTO {
	byDate := make(map[time.Time]progress.DayActivity, len(activity))
	for _, a := range activity {
		byDate[timeutil.Normalize(a.Date)] = a
	}

	days := timeutil.DateRange(from, to)
	out := make([]CalendarDayDTO, 0, len(days))
	for _, d := range days {
		a := byDate[d]
		out = append(out, CalendarDayDTO{
			Date:             timeutil.FormatDateStr(d),
			Completions:      a.Completions,
			TimeSpentSeconds: a.TimeSpentSeconds,
		})
	}
	return out
}
