package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	gateway "github.com/clauderun/claudegate/internal"
)

// GetProfile retrieves the permission profile for a key, or gateway.ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, keyID string) (*gateway.PermissionProfile, error) {
	var p gateway.PermissionProfile
	var allowedTools, blockedTools, allowedAgents, allowedSkills sql.NullString
	var fsAccess string

	err := s.read.QueryRowContext(ctx,
		`SELECT key_id, allowed_tools, blocked_tools, allowed_agents, allowed_skills,
		        max_concurrent_tasks, max_execution_seconds, max_cost_per_task,
		        max_memory_mb, filesystem_access, network_access
		 FROM api_key_permissions WHERE key_id = ?`, keyID,
	).Scan(&p.KeyID, &allowedTools, &blockedTools, &allowedAgents, &allowedSkills,
		&p.MaxConcurrentTasks, &p.MaxExecutionSeconds, &p.MaxCostPerTask,
		&p.MaxMemoryMB, &fsAccess, &p.NetworkAccess)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.AllowedTools, err = unmarshalStrings(allowedTools)
	if err != nil {
		return nil, err
	}
	if p.BlockedTools, err = unmarshalStrings(blockedTools); err != nil {
		return nil, err
	}
	if p.AllowedAgents, err = unmarshalStrings(allowedAgents); err != nil {
		return nil, err
	}
	if p.AllowedSkills, err = unmarshalStrings(allowedSkills); err != nil {
		return nil, err
	}
	p.FilesystemAccess = gateway.FilesystemAccess(fsAccess)
	return &p, nil
}

// UpsertProfile validates and persists a permission profile, creating or
// replacing any existing row for the same key.
func (s *Store) UpsertProfile(ctx context.Context, p *gateway.PermissionProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	allowedTools, err := marshalStrings(p.AllowedTools)
	if err != nil {
		return err
	}
	blockedTools, err := marshalStrings(p.BlockedTools)
	if err != nil {
		return err
	}
	allowedAgents, err := marshalStrings(p.AllowedAgents)
	if err != nil {
		return err
	}
	allowedSkills, err := marshalStrings(p.AllowedSkills)
	if err != nil {
		return err
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_key_permissions
		 (key_id, allowed_tools, blocked_tools, allowed_agents, allowed_skills,
		  max_concurrent_tasks, max_execution_seconds, max_cost_per_task,
		  max_memory_mb, filesystem_access, network_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		  allowed_tools=excluded.allowed_tools, blocked_tools=excluded.blocked_tools,
		  allowed_agents=excluded.allowed_agents, allowed_skills=excluded.allowed_skills,
		  max_concurrent_tasks=excluded.max_concurrent_tasks,
		  max_execution_seconds=excluded.max_execution_seconds,
		  max_cost_per_task=excluded.max_cost_per_task,
		  max_memory_mb=excluded.max_memory_mb,
		  filesystem_access=excluded.filesystem_access,
		  network_access=excluded.network_access`,
		p.KeyID, allowedTools, blockedTools, allowedAgents, allowedSkills,
		p.MaxConcurrentTasks, p.MaxExecutionSeconds, p.MaxCostPerTask,
		p.MaxMemoryMB, string(p.FilesystemAccess), p.NetworkAccess,
	)
	return err
}

func marshalStrings(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
