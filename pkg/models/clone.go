package models

import "time"

// Clone returns a deep copy of the level.
func (l *TrustLevel) Clone() *TrustLevel {
	if l == nil {
		return nil
	}
	out := *l
	out.SharingPolicies = CloneMap(l.SharingPolicies)
	return &out
}

// Clone returns a deep copy of the relationship, including its loaded level.
func (r *TrustRelationship) Clone() *TrustRelationship {
	if r == nil {
		return nil
	}
	out := *r
	out.TrustLevel = r.TrustLevel.Clone()
	out.ValidUntil = cloneTime(r.ValidUntil)
	out.ActivatedAt = cloneTime(r.ActivatedAt)
	out.RevokedAt = cloneTime(r.RevokedAt)
	out.SharingPreferences = CloneMap(r.SharingPreferences)
	out.Metadata = CloneMap(r.Metadata)
	return &out
}

// Clone returns a deep copy of the group, including its loaded default level.
func (g *TrustGroup) Clone() *TrustGroup {
	if g == nil {
		return nil
	}
	out := *g
	out.DefaultTrustLevel = g.DefaultTrustLevel.Clone()
	out.GroupPolicies = CloneMap(g.GroupPolicies)
	if g.Administrators != nil {
		out.Administrators = append([]string(nil), g.Administrators...)
	}
	return &out
}

// Clone returns a deep copy of the membership.
func (m *TrustGroupMembership) Clone() *TrustGroupMembership {
	if m == nil {
		return nil
	}
	out := *m
	out.LeftAt = cloneTime(m.LeftAt)
	return &out
}

// Clone returns a deep copy of the entry.
func (t *TrustLog) Clone() *TrustLog {
	if t == nil {
		return nil
	}
	out := *t
	out.Details = CloneMap(t.Details)
	out.Metadata = CloneMap(t.Metadata)
	return &out
}

// CloneMap deep-copies JSON-shaped data: nested maps and slices are copied,
// other values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
