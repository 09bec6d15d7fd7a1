package calls

// Snapshot is a point-in-time copy of the registry contents handed to observers.
type Snapshot struct {
	Sessions []Session `json:"sessions"`
	Invites  []Invite  `json:"invites"`
}

// Banner is what the UI renders at the top of the screen while a call exists.
type Banner struct {
	Visible bool   `json:"visible"`
	CallID  string `json:"call_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Label   string `json:"label,omitempty"`
	State   State  `json:"state,omitempty"`
	Ringing int    `json:"ringing"`
}

// BannerFor derives the banner from a snapshot. The live session wins over invites.
func BannerFor(s Snapshot) Banner {
	b := Banner{Ringing: len(s.Invites)}
	for _, sess := range s.Sessions {
		if !sess.State.Live() {
			continue
		}
		b.Visible = true
		b.CallID = sess.ID
		b.Title = sess.Metadata.CallerDisplayName(sess.RemoteHandle)
		b.Label = sess.DisplayLabel()
		b.State = sess.DisplayState()
		return b
	}
	if len(s.Invites) > 0 {
		inv := s.Invites[0]
		b.Visible = true
		b.CallID = inv.ID
		b.Title = inv.Metadata.CallerDisplayName(inv.RemoteHandle)
		b.Label = "Incoming call"
	}
	return b
}
