package board

import (
	"time"

	"golang.org/x/exp/maps"
)

// Element is one positioned item on a board. Identity is Id; every other
// field is mutable. Server-assigned ids are positive; an optimistic entry
// that has not been confirmed yet carries a negative provisional id.
type Element struct {
	Id          int64          `json:"id,omitempty"`
	BoardId     int64          `json:"board"`
	ElementType string         `json:"element_type"`
	Content     string         `json:"content,omitempty"`
	Path        string         `json:"path,omitempty"`
	PositionX   float64        `json:"position_x"`
	PositionY   float64        `json:"position_y"`
	Width       float64        `json:"width"`
	Height      float64        `json:"height"`
	Rotation    float64        `json:"rotation"`
	ZIndex      int            `json:"z_index"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (self *Element) Provisional() bool {
	return self.Id < 0
}

func (self *Element) Clone() *Element {
	if self == nil {
		return nil
	}
	copy := *self
	if self.Properties != nil {
		copy.Properties = maps.Clone(self.Properties)
	}
	return &copy
}

type Board struct {
	Id        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// BoardState is the full serialized form of a board, as returned by the
// export endpoint and accepted by the import endpoint.
type BoardState struct {
	Id          int64      `json:"id,omitempty"`
	Title       string     `json:"title"`
	Elements    []*Element `json:"elements"`
	LastUpdated string     `json:"last_updated,omitempty"`
}

type User struct {
	Id        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Tokens is the credential pair. The access token carries an exp claim;
// the refresh token is opaque to the client.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}
