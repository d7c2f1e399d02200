package document

import "time"

// Clone deep-copies the document. The store stages mutations against a
// clone so a failed save can roll back to the pre-mutation state, and
// snapshot readers never observe in-flight writes.
func (d *Document) Clone() *Document {
	out := &Document{
		SchemaVersion: d.SchemaVersion,
		Metadata:      d.Metadata,
		Projects:      make(map[string]*Project, len(d.Projects)),
		GlobalTags:    append([]string(nil), d.GlobalTags...),
		Policies:      make(map[string]*PrincipalPolicy, len(d.Policies)),
		AuthoritySeed: append([]byte(nil), d.AuthoritySeed...),
	}
	for name, p := range d.Projects {
		out.Projects[name] = p.clone()
	}
	for principal, pol := range d.Policies {
		out.Policies[principal] = pol.clone()
	}
	return out
}

func (p *Project) clone() *Project {
	out := &Project{
		Name:          p.Name,
		Description:   p.Description,
		Secrets:       make(map[string]*Secret, len(p.Secrets)),
		CreatedAt:     p.CreatedAt,
		LastUpdatedAt: p.LastUpdatedAt,
	}
	for key, s := range p.Secrets {
		out.Secrets[key] = s.clone()
	}
	return out
}

func (s *Secret) clone() *Secret {
	out := &Secret{
		Key:            s.Key,
		CurrentVersion: s.CurrentVersion,
		Versions:       make([]*SecretVersion, len(s.Versions)),
		Tags:           append([]string(nil), s.Tags...),
		Classification: s.Classification,
		Source:         s.Source,
		Salt:           append([]byte(nil), s.Salt...),
		CreatedAt:      s.CreatedAt,
		LastUpdatedAt:  s.LastUpdatedAt,
		LastAccessedAt: copyTime(s.LastAccessedAt),
		AccessCount:    s.AccessCount,
	}
	if s.RotationPolicy != nil {
		pol := *s.RotationPolicy
		pol.LastRotatedAt = copyTime(s.RotationPolicy.LastRotatedAt)
		out.RotationPolicy = &pol
	}
	for i, v := range s.Versions {
		out.Versions[i] = v.clone()
	}
	return out
}

func (v *SecretVersion) clone() *SecretVersion {
	return &SecretVersion{
		Version:    v.Version,
		Ciphertext: append([]byte(nil), v.Ciphertext...),
		State:      v.State,
		CreatedAt:  v.CreatedAt,
		RetiredAt:  copyTime(v.RetiredAt),
		GraceUntil: copyTime(v.GraceUntil),
		Checksum:   v.Checksum,
	}
}

func (p *PrincipalPolicy) clone() *PrincipalPolicy {
	return &PrincipalPolicy{
		Projects:        append([]string(nil), p.Projects...),
		MaxKeysPerToken: p.MaxKeysPerToken,
		Actions:         append([]string(nil), p.Actions...),
		MaxTTLSeconds:   p.MaxTTLSeconds,
	}
}

// CloneMetadata deep-copies a secret with every ciphertext stripped,
// for metadata-only callers like Describe.
func (s *Secret) CloneMetadata() *Secret {
	cp := s.clone()
	cp.Salt = nil
	for _, v := range cp.Versions {
		v.Ciphertext = nil
	}
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
