package dto

// ProviderAWebhookRequest is the WhatsApp-style webhook envelope, modeled
// on the Cloud API "Business Account" notification shape used in
// Abraxas-365-relay's whatsapp channel adapter.
type ProviderAWebhookRequest struct {
	Object string           `json:"object"`
	Entry  []ProviderAEntry `json:"entry"`
}

type ProviderAEntry struct {
	ID      string            `json:"id"`
	Changes []ProviderAChange `json:"changes"`
}

type ProviderAChange struct {
	Field string         `json:"field"`
	Value ProviderAValue `json:"value"`
}

type ProviderAValue struct {
	MessagingProduct string             `json:"messaging_product"`
	Metadata         ProviderAMetadata  `json:"metadata"`
	Contacts         []ProviderAContact `json:"contacts,omitempty"`
	Messages         []ProviderAMessage `json:"messages,omitempty"`
	Statuses         []ProviderAStatus  `json:"statuses,omitempty"`
}

type ProviderAMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type ProviderAContact struct {
	Profile ProviderAProfile `json:"profile"`
	WAID    string           `json:"wa_id"`
}

type ProviderAProfile struct {
	Name string `json:"name"`
}

type ProviderAMessage struct {
	From      string             `json:"from"`
	ID        string             `json:"id"`
	Timestamp string             `json:"timestamp"`
	Type      string             `json:"type"` // text, image, audio, video, document, location, button, unknown
	Text      *ProviderAText     `json:"text,omitempty"`
	Image     *ProviderAMedia    `json:"image,omitempty"`
	Audio     *ProviderAMedia    `json:"audio,omitempty"`
	Video     *ProviderAMedia    `json:"video,omitempty"`
	Document  *ProviderAMedia    `json:"document,omitempty"`
	Location  *ProviderALocation `json:"location,omitempty"`
}

type ProviderAText struct {
	Body string `json:"body"`
}

type ProviderAMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type ProviderALocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProviderAStatus is a delivery/read status callback.
type ProviderAStatus struct {
	ID          string `json:"id"`     // the provider message id this status refers to
	Status      string `json:"status"` // sent, delivered, read, failed
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}
