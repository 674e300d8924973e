package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"releasecheck/internal/datemath"
	"releasecheck/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const uniqueViolation = "23505"

// Flag is a release boolean that can be switched on by a manager.
type Flag string

const (
	FlagCancelled Flag = "is_cancelled"
	FlagDeployed  Flag = "is_deployed"
	FlagArchived  Flag = "is_archived"
)

type Repository struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) CreateProject(ctx context.Context, p models.Project) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO projects(id, name, is_manage_members, is_manage_features) VALUES($1, $2, $3, $4)",
		p.ID, p.Name, p.IsManageMembers, p.IsManageFeatures)
	return mapErr(err)
}

func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := r.db.QueryRow(ctx,
		"SELECT id, name, is_manage_members, is_manage_features FROM projects WHERE id=$1",
		id).Scan(&p.ID, &p.Name, &p.IsManageMembers, &p.IsManageFeatures)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *Repository) CreateMember(ctx context.Context, m models.Member) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO members(id, project_id, nickname, role) VALUES($1, $2, $3, $4)",
		m.ID, m.ProjectID, m.Nickname, string(m.Role))
	return mapErr(err)
}

func (r *Repository) HasMembers(ctx context.Context, projectID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM members WHERE project_id=$1)", projectID).Scan(&exists)
	return exists, err
}

func (r *Repository) GetMember(ctx context.Context, id string) (*models.Member, error) {
	var m models.Member
	var role string
	err := r.db.QueryRow(ctx,
		"SELECT id, project_id, nickname, role FROM members WHERE id=$1",
		id).Scan(&m.ID, &m.ProjectID, &m.Nickname, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = models.Role(role)

	rows, err := r.db.Query(ctx,
		"SELECT team_id FROM team_members WHERE member_id=$1 ORDER BY team_id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m.TeamIDs = []string{}
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		m.TeamIDs = append(m.TeamIDs, tid)
	}
	return &m, rows.Err()
}

func (r *Repository) ListMembers(ctx context.Context, projectID string) ([]models.Member, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.project_id, m.nickname, m.role, COALESCE(array_agg(tm.team_id ORDER BY tm.team_id) FILTER (WHERE tm.team_id IS NOT NULL), '{}')
		FROM members m
		LEFT JOIN team_members tm ON tm.member_id = m.id
		WHERE m.project_id=$1
		GROUP BY m.id
		ORDER BY m.nickname, m.id`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		var m models.Member
		var role string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Nickname, &role, &m.TeamIDs); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *Repository) CreateTeam(ctx context.Context, team models.Team) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		"INSERT INTO teams(id, project_id, name, description) VALUES($1, $2, $3, $4)",
		team.ID, team.ProjectID, team.Name, team.Description)
	if err != nil {
		return mapErr(err)
	}

	for _, mid := range team.MemberIDs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO team_members(team_id, member_id)
			SELECT $1, id FROM members WHERE id=$2 AND project_id=$3
			ON CONFLICT DO NOTHING`,
			team.ID, mid, team.ProjectID)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("member %s: %w", mid, ErrNotFound)
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) ReleaseNameExists(ctx context.Context, projectID, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM releases WHERE project_id=$1 AND name=$2)",
		projectID, name).Scan(&exists)
	return exists, err
}

// CreateRelease inserts the release and its team assignments. Every member of
// an assigned team gets a not-ready row so readiness is tracked from the start.
func (r *Repository) CreateRelease(ctx context.Context, rel models.Release, teamIDs []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO releases(id, project_id, name, target_date, is_cancelled, is_deployed, is_archived, is_ready)
		VALUES($1, $2, $3, $4, false, false, false, false)`,
		rel.ID, rel.ProjectID, rel.Name, rel.TargetDate.Time())
	if err != nil {
		return mapErr(err)
	}

	for _, tid := range teamIDs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO release_teams(release_id, team_id)
			SELECT $1, id FROM teams WHERE id=$2 AND project_id=$3
			ON CONFLICT DO NOTHING`,
			rel.ID, tid, rel.ProjectID)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("team %s: %w", tid, ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO member_releases(member_id, release_id, is_ready)
			SELECT member_id, $1, false FROM team_members WHERE team_id=$2
			ON CONFLICT DO NOTHING`,
			rel.ID, tid)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) GetRelease(ctx context.Context, id string) (*models.ReleaseDetail, error) {
	details, err := r.releaseDetails(ctx, "r.id", id)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, ErrNotFound
	}
	return &details[0], nil
}

// ProjectSnapshot loads the project with every release, feature, team
// assignment and member in one normalised shape.
func (r *Repository) ProjectSnapshot(ctx context.Context, projectID string) (*models.ProjectSnapshot, error) {
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	releases, err := r.releaseDetails(ctx, "r.project_id", projectID)
	if err != nil {
		return nil, err
	}
	members, err := r.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &models.ProjectSnapshot{Project: *project, Releases: releases, Members: members}, nil
}

func (r *Repository) MarkRelease(ctx context.Context, id string, flag Flag) error {
	switch flag {
	case FlagCancelled, FlagDeployed, FlagArchived:
	default:
		return fmt.Errorf("unknown release flag %q", flag)
	}
	return r.execOne(ctx,
		fmt.Sprintf("UPDATE releases SET %s=true WHERE id=$1", flag), id)
}

func (r *Repository) RescheduleRelease(ctx context.Context, id string, date datemath.Date) error {
	return r.execOne(ctx, "UPDATE releases SET target_date=$1 WHERE id=$2", date.Time(), id)
}

func (r *Repository) DeleteRelease(ctx context.Context, id string) error {
	return r.execOne(ctx, "DELETE FROM releases WHERE id=$1", id)
}

func (r *Repository) SetReleaseReady(ctx context.Context, id string, ready bool) error {
	return r.execOne(ctx, "UPDATE releases SET is_ready=$1 WHERE id=$2", ready, id)
}

func (r *Repository) CreateFeature(ctx context.Context, f models.Feature) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO features(id, release_id, name, dri_id, is_ready, comments)
		VALUES($1, $2, $3, NULLIF($4, ''), false, $5)`,
		f.ID, f.ReleaseID, f.Name, f.DRIID, f.Comments)
	return mapErr(err)
}

func (r *Repository) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	var f models.Feature
	err := r.db.QueryRow(ctx, `
		SELECT id, release_id, name, COALESCE(dri_id, ''), is_ready, comments
		FROM features WHERE id=$1`,
		id).Scan(&f.ID, &f.ReleaseID, &f.Name, &f.DRIID, &f.IsReady, &f.Comments)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &f, err
}

func (r *Repository) SetFeatureReady(ctx context.Context, id string, ready bool, comments *string) error {
	if comments != nil {
		return r.execOne(ctx, "UPDATE features SET is_ready=$1, comments=$2 WHERE id=$3", ready, *comments, id)
	}
	return r.execOne(ctx, "UPDATE features SET is_ready=$1 WHERE id=$2", ready, id)
}

func (r *Repository) DeleteFeature(ctx context.Context, id string) error {
	return r.execOne(ctx, "DELETE FROM features WHERE id=$1", id)
}

func (r *Repository) SetMemberReady(ctx context.Context, memberID, releaseID string, ready bool) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO member_releases(member_id, release_id, is_ready) VALUES($1, $2, $3)
		ON CONFLICT(member_id, release_id) DO UPDATE SET is_ready=$3`,
		memberID, releaseID, ready)
	return mapErr(err)
}

func (r *Repository) AppendActivity(ctx context.Context, e models.ActivityLogEntry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO activity_log(id, project_id, release_id, feature_id, team_id, member_id, actor_id, type, details, created_at)
		VALUES($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)`,
		e.ID, e.ProjectID, e.ReleaseID, e.FeatureID, e.TeamID, e.MemberID, e.ActorID, string(e.Type), details, e.CreatedAt)
	return err
}

func (r *Repository) ListActivity(ctx context.Context, releaseID string, limit int) ([]models.ActivityLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, project_id, COALESCE(release_id, ''), COALESCE(feature_id, ''), COALESCE(team_id, ''),
		       COALESCE(member_id, ''), COALESCE(actor_id, ''), type, details, created_at
		FROM activity_log
		WHERE release_id=$1
		ORDER BY created_at DESC, id
		LIMIT $2`,
		releaseID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.ActivityLogEntry{}
	for rows.Next() {
		var e models.ActivityLogEntry
		var typ string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ReleaseID, &e.FeatureID, &e.TeamID,
			&e.MemberID, &e.ActorID, &typ, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = models.ActivityType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Вспомогательные функции.
func (r *Repository) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// releaseDetails loads releases matching column=$1 (column is r.id or
// r.project_id) and stitches their features and teams together.
func (r *Repository) releaseDetails(ctx context.Context, column, value string) ([]models.ReleaseDetail, error) {
	details, index, err := r.scanReleases(ctx, column, value)
	if err != nil || len(details) == 0 {
		return details, err
	}
	if err := r.attachFeatures(ctx, column, value, details, index); err != nil {
		return nil, err
	}
	if err := r.attachTeams(ctx, column, value, details, index); err != nil {
		return nil, err
	}
	return details, nil
}

func (r *Repository) scanReleases(ctx context.Context, column, value string) ([]models.ReleaseDetail, map[string]int, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT r.id, r.project_id, r.name, r.target_date, r.is_cancelled, r.is_deployed, r.is_archived, r.is_ready
		FROM releases r
		WHERE %s=$1
		ORDER BY r.target_date, r.id`, column),
		value)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	details := []models.ReleaseDetail{}
	index := make(map[string]int)
	for rows.Next() {
		var d models.ReleaseDetail
		var target time.Time
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &target,
			&d.IsCancelled, &d.IsDeployed, &d.IsArchived, &d.IsReady); err != nil {
			return nil, nil, err
		}
		d.TargetDate = datemath.Of(target)
		d.Features = []models.Feature{}
		d.Teams = []models.TeamAssignment{}
		index[d.ID] = len(details)
		details = append(details, d)
	}
	return details, index, rows.Err()
}

func (r *Repository) attachFeatures(ctx context.Context, column, value string, details []models.ReleaseDetail, index map[string]int) error {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT f.id, f.release_id, f.name, COALESCE(f.dri_id, ''), f.is_ready, f.comments
		FROM features f
		JOIN releases r ON r.id = f.release_id
		WHERE %s=$1
		ORDER BY f.name, f.id`, column),
		value)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var f models.Feature
		if err := rows.Scan(&f.ID, &f.ReleaseID, &f.Name, &f.DRIID, &f.IsReady, &f.Comments); err != nil {
			return err
		}
		if i, ok := index[f.ReleaseID]; ok {
			details[i].Features = append(details[i].Features, f)
		}
	}
	return rows.Err()
}

func (r *Repository) attachTeams(ctx context.Context, column, value string, details []models.ReleaseDetail, index map[string]int) error {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT rt.release_id, t.id, t.project_id, t.name, t.description
		FROM release_teams rt
		JOIN releases r ON r.id = rt.release_id
		JOIN teams t ON t.id = rt.team_id
		WHERE %s=$1
		ORDER BY t.name, t.id`, column),
		value)
	if err != nil {
		return err
	}

	type key struct{ release, team string }
	slot := make(map[key]int)
	for rows.Next() {
		var releaseID string
		var t models.Team
		if err := rows.Scan(&releaseID, &t.ID, &t.ProjectID, &t.Name, &t.Description); err != nil {
			rows.Close()
			return err
		}
		i, ok := index[releaseID]
		if !ok {
			continue
		}
		t.MemberIDs = []string{}
		slot[key{releaseID, t.ID}] = len(details[i].Teams)
		details[i].Teams = append(details[i].Teams, models.TeamAssignment{Team: t, Members: []models.MemberReadiness{}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.Query(ctx, fmt.Sprintf(`
		SELECT rt.release_id, tm.team_id, m.id, m.nickname, COALESCE(mr.is_ready, false)
		FROM release_teams rt
		JOIN releases r ON r.id = rt.release_id
		JOIN team_members tm ON tm.team_id = rt.team_id
		JOIN members m ON m.id = tm.member_id
		LEFT JOIN member_releases mr ON mr.member_id = m.id AND mr.release_id = rt.release_id
		WHERE %s=$1
		ORDER BY m.nickname, m.id`, column),
		value)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var releaseID, teamID string
		var m models.MemberReadiness
		if err := rows.Scan(&releaseID, &teamID, &m.MemberID, &m.Nickname, &m.IsReady); err != nil {
			return err
		}
		i, ok := index[releaseID]
		if !ok {
			continue
		}
		j, ok := slot[key{releaseID, teamID}]
		if !ok {
			continue
		}
		ta := &details[i].Teams[j]
		ta.Members = append(ta.Members, m)
		ta.Team.MemberIDs = append(ta.Team.MemberIDs, m.MemberID)
	}
	return rows.Err()
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}
