package models

import "time"

type Role string

const (
	RoleUser     Role = "user"
	RoleDriver   Role = "driver"
	RoleClinic   Role = "clinic"
	RolePethouse Role = "pethouse"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDriver, RoleClinic, RolePethouse:
		return true
	}
	return false
}

type User struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Password    string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Envelope is one encrypted chat message as it travels and rests.
// Ciphertext carries the GCM tag at its tail.
type Envelope struct {
	IV         ByteArray `json:"iv"`
	Ciphertext ByteArray `json:"ciphertext"`
}

// StoredEnvelope is an Envelope plus the sender metadata and server
// assigned fields the message store keeps alongside it.
type StoredEnvelope struct {
	ID               string    `json:"id"`
	TicketID         string    `json:"ticketId"`
	SenderID         string    `json:"senderId"`
	SenderName       string    `json:"senderName"`
	EncryptedMessage Envelope  `json:"encryptedMessage"`
	CreatedAt        time.Time `json:"createdAt"`
}

type RecordState string

const (
	RecordProvisional RecordState = "provisional"
	RecordConfirmed   RecordState = "confirmed"
)

// ChatRecord is a decrypted transcript line. It only lives in memory.
type ChatRecord struct {
	LocalID    string      `json:"local_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Body       string      `json:"body"`
	Timestamp  time.Time   `json:"timestamp"`
	State      RecordState `json:"state"`
}

type Trip struct {
	BookingID   string    `json:"bookingId"`
	Pickup      *Point    `json:"pickup,omitempty"`
	Destination *Point    `json:"destination,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Participant is who the local client acts as inside a room.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role,omitempty"`
}

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	TicketID         string   `json:"ticketId"`
	SenderID         string   `json:"senderId"`
	SenderName       string   `json:"senderName"`
	EncryptedMessage Envelope `json:"encryptedMessage"`
}

type HistoryResponse struct {
	Messages []StoredEnvelope `json:"messages"`
	Count    int              `json:"count"`
}

type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
