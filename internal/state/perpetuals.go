package state

import "PerpCustody/internal/ledger"

// Permissions gate instructions globally and per custody.
type Permissions struct {
	AllowOpenPosition  bool `json:"allow_open_position"`
	AllowClosePosition bool `json:"allow_close_position"`
}

// Perpetuals is the program-wide configuration record.
type Perpetuals struct {
	Permissions       Permissions     `json:"permissions"`
	Pools             []ledger.Pubkey `json:"pools"`
	TransferAuthority ledger.Pubkey   `json:"transfer_authority"`
	InceptionTime     int64           `json:"inception_time"`
}

func (p *Perpetuals) Clone() *Perpetuals {
	c := *p
	c.Pools = append([]ledger.Pubkey(nil), p.Pools...)
	return &c
}

// AllowsClose requires the close flag both globally and on the custody.
func (p *Perpetuals) AllowsClose(c *Custody) bool {
	return p.Permissions.AllowClosePosition && c.Permissions.AllowClosePosition
}
