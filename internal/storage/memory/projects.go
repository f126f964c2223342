package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hiveboard/hiveboard/internal/storage"
)

func (s *Store) CreateProject(_ context.Context, p storage.Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	for _, existing := range s.projects {
		if existing.TenantID == p.TenantID && existing.Slug == p.Slug {
			return fmt.Errorf("project slug %s: %w", p.Slug, storage.ErrConflict)
		}
	}
	s.projects[p.ProjectID] = p
	return s.persist(fileProjects, s.projects)
}

func (s *Store) GetProject(_ context.Context, tenantID, projectID string) (storage.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	return s.getProjectLocked(tenantID, projectID)
}

func (s *Store) getProjectLocked(tenantID, projectID string) (storage.Project, error) {
	p, ok := s.projects[projectID]
	if !ok || p.TenantID != tenantID {
		return storage.Project{}, fmt.Errorf("project %s: %w", projectID, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetProjectBySlug(_ context.Context, tenantID, slug string) (storage.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()

	for _, p := range s.projects {
		if p.TenantID == tenantID && p.Slug == slug {
			return p, nil
		}
	}
	return storage.Project{}, fmt.Errorf("project slug %s: %w", slug, storage.ErrNotFound)
}

func (s *Store) ListProjects(_ context.Context, tenantID string, includeArchived bool) ([]storage.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()

	var out []storage.Project
	for _, p := range s.projects {
		if p.TenantID != tenantID {
			continue
		}
		if p.Archived && !includeArchived {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateProject(_ context.Context, p storage.Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	existing, err := s.getProjectLocked(p.TenantID, p.ProjectID)
	if err != nil {
		return err
	}
	if p.Slug != existing.Slug {
		for _, other := range s.projects {
			if other.TenantID == p.TenantID && other.ProjectID != p.ProjectID && other.Slug == p.Slug {
				return fmt.Errorf("project slug %s: %w", p.Slug, storage.ErrConflict)
			}
		}
	}
	p.CreatedAt = existing.CreatedAt
	s.projects[p.ProjectID] = p
	return s.persist(fileProjects, s.projects)
}

func (s *Store) SetProjectArchived(_ context.Context, tenantID, projectID string, archived bool) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	p, err := s.getProjectLocked(tenantID, projectID)
	if err != nil {
		return err
	}
	p.Archived = archived
	s.projects[projectID] = p
	return s.persist(fileProjects, s.projects)
}

// DeleteProject reassigns the project's events and junction rows to the
// reassignment target, then removes the project. The default project is not
// deletable and the target must exist; callers validate both, this method
// re-checks under lock.
func (s *Store) DeleteProject(_ context.Context, tenantID, projectID, reassignTo string) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	p, err := s.getProjectLocked(tenantID, projectID)
	if err != nil {
		return err
	}
	if p.Slug == storage.DefaultProjectSlug {
		return fmt.Errorf("default project: %w", storage.ErrValidation)
	}
	if _, err := s.getProjectLocked(tenantID, reassignTo); err != nil {
		return fmt.Errorf("reassign target: %w", err)
	}

	if err := s.reassignProjectData(tenantID, projectID, reassignTo); err != nil {
		return err
	}

	delete(s.projects, projectID)
	return s.persist(fileProjects, s.projects)
}

// MergeProject reassigns source's events and junctions to target, then
// archives source.
func (s *Store) MergeProject(_ context.Context, tenantID, sourceID, targetID string) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	src, err := s.getProjectLocked(tenantID, sourceID)
	if err != nil {
		return err
	}
	if _, err := s.getProjectLocked(tenantID, targetID); err != nil {
		return fmt.Errorf("merge target: %w", err)
	}

	if err := s.reassignProjectData(tenantID, sourceID, targetID); err != nil {
		return err
	}

	src.Archived = true
	s.projects[sourceID] = src
	return s.persist(fileProjects, s.projects)
}

// reassignProjectData moves junction rows and event project references from
// one project to another. Caller holds projectsMu; this acquires junction
// and events locks in canonical order.
func (s *Store) reassignProjectData(tenantID, fromID, toID string) error {
	s.junctionMu.Lock()
	prefix := tenantID + "/" + fromID + "/"
	for row := range s.junction {
		if strings.HasPrefix(row, prefix) {
			agentID := strings.TrimPrefix(row, prefix)
			delete(s.junction, row)
			s.junction[junctionKey(tenantID, toID, agentID)] = struct{}{}
		}
	}
	err := s.persistJunction()
	s.junctionMu.Unlock()
	if err != nil {
		return err
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	evs := s.events[tenantID]
	changed := false
	for i := range evs {
		if evs[i].ProjectID == fromID {
			evs[i].ProjectID = toID
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist(fileEvents, s.events)
}
