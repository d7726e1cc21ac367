package ncsi

// Channel is one network port of a package as learned from its responses.
type Channel struct {
	ID         uint8        `json:"id"`
	HasLink    bool         `json:"has_link"`
	LinkStatus LinkStatus   `json:"link_status"`
	Version    Version      `json:"version"`
	Caps       Capabilities `json:"capabilities"`
}

// Package is a controller that answered Select Package.
type Package struct {
	ID       uint8      `json:"id"`
	Channels []*Channel `json:"channels"`
}

// Channel returns the channel with the given ID, or nil.
func (p *Package) Channel(id uint8) *Channel {
	for _, c := range p.Channels {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// AddChannel returns the channel with the given ID, creating it if needed.
// The second result is false when the channel already existed.
func (p *Package) AddChannel(id uint8) (*Channel, bool) {
	if c := p.Channel(id); c != nil {
		return c, false
	}
	c := &Channel{ID: id}
	p.Channels = append(p.Channels, c)
	return c, true
}

// Topology holds the discovered packages in discovery order.
type Topology struct {
	Packages []*Package `json:"packages"`
}

// Package returns the package with the given ID, or nil.
func (t *Topology) Package(id uint8) *Package {
	for _, p := range t.Packages {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AddPackage returns the package with the given ID, creating it if needed.
// The second result is false when the package already existed.
func (t *Topology) AddPackage(id uint8) (*Package, bool) {
	if p := t.Package(id); p != nil {
		return p, false
	}
	p := &Package{ID: id}
	t.Packages = append(t.Packages, p)
	return p, true
}

// Channel looks up a channel by package and channel ID.
func (t *Topology) Channel(pkg, ch uint8) *Channel {
	p := t.Package(pkg)
	if p == nil {
		return nil
	}
	return p.Channel(ch)
}

// FirstWithLink scans packages and channels in discovery order and returns
// the first channel whose link is up.
func (t *Topology) FirstWithLink() (*Package, *Channel) {
	for _, p := range t.Packages {
		for _, c := range p.Channels {
			if c.HasLink {
				return p, c
			}
		}
	}
	return nil, nil
}

// ChannelCount returns the total number of channels across packages.
func (t *Topology) ChannelCount() int {
	n := 0
	for _, p := range t.Packages {
		n += len(p.Channels)
	}
	return n
}

// Reset discards everything discovered so far.
func (t *Topology) Reset() {
	t.Packages = nil
}

// Clone returns a deep copy that shares no memory with t.
func (t *Topology) Clone() Topology {
	out := Topology{Packages: make([]*Package, 0, len(t.Packages))}
	for _, p := range t.Packages {
		cp := &Package{ID: p.ID, Channels: make([]*Channel, 0, len(p.Channels))}
		for _, c := range p.Channels {
			cc := *c
			cp.Channels = append(cp.Channels, &cc)
		}
		out.Packages = append(out.Packages, cp)
	}
	return out
}

// after returns the ID of the package discovered right after id.
func (t *Topology) after(id uint8) (uint8, bool) {
	for i, p := range t.Packages {
		if p.ID == id && i+1 < len(t.Packages) {
			return t.Packages[i+1].ID, true
		}
	}
	return 0, false
}
