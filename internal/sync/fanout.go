package sync

// Fanout delivers events to the connections of a tenant room, a
// tenant+location sub-room, or a single user. Delivery order across
// connections is not guaranteed; clients treat events as commutative until
// version-checked.
type Fanout struct {
	reg *Registry
}

func NewFanout(reg *Registry) *Fanout {
	return &Fanout{reg: reg}
}

func (f *Fanout) ToTenant(tenantID, event string, payload interface{}) {
	for _, c := range f.reg.connSnapshot(tenantID, nil) {
		c.Send(event, payload)
	}
}

// ToTenantExcept delivers to every tenant connection except one, typically
// the originator who gets an acknowledgment instead.
func (f *Fanout) ToTenantExcept(tenantID, exceptConnID, event string, payload interface{}) {
	conns := f.reg.connSnapshot(tenantID, nil)
	for _, c := range conns {
		if c.ID() == exceptConnID {
			continue
		}
		c.Send(event, payload)
	}
}

func (f *Fanout) ToLocation(tenantID, locationID, event string, payload interface{}) {
	conns := f.reg.connSnapshot(tenantID, func(s *Session) bool {
		return s != nil && s.LocationID == locationID
	})
	for _, c := range conns {
		c.Send(event, payload)
	}
}

// ToUser scans active tenants for connections of a user. Linear scan is fine
// at expected connection counts; an index would be needed at much larger
// scale.
func (f *Fanout) ToUser(userID, event string, payload interface{}) {
	for _, tenantID := range f.reg.ActiveTenants() {
		conns := f.reg.connSnapshot(tenantID, func(s *Session) bool {
			return s != nil && s.UserID == userID
		})
		for _, c := range conns {
			c.Send(event, payload)
		}
	}
}
