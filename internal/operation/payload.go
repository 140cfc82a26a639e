package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidPayload is returned when a payload fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the type-specific data of an operation. Each operation type has
// exactly one payload struct; the unexported method closes the set.
type Payload interface {
	OperationType() Type
	signaturePart() string
}

// CreateCollection creates a new named collection.
type CreateCollection struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description,omitempty" validate:"max=1000"`
	IsPublic    bool   `json:"is_public"`
}

// UpdateCollection changes collection metadata. Nil fields are left untouched.
type UpdateCollection struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1000"`
	IsPublic    *bool   `json:"is_public,omitempty"`
}

// DeleteCollection removes a collection.
type DeleteCollection struct{}

// ClearCollection removes every item from a collection.
type ClearCollection struct{}

// AddItem adds an item to a collection.
type AddItem struct {
	ItemID int64 `json:"item_id" validate:"gt=0"`
}

// RemoveItem removes an item from a collection.
type RemoveItem struct {
	ItemID int64 `json:"item_id" validate:"gt=0"`
}

func (CreateCollection) OperationType() Type { return CreateCollectionType }
func (UpdateCollection) OperationType() Type { return UpdateCollectionType }
func (DeleteCollection) OperationType() Type { return DeleteCollectionType }
func (ClearCollection) OperationType() Type  { return ClearCollectionType }
func (AddItem) OperationType() Type          { return AddItemType }
func (RemoveItem) OperationType() Type       { return RemoveItemType }

func (p CreateCollection) signaturePart() string {
	return "name=" + strings.ToLower(strings.TrimSpace(p.Name))
}

// The whole update is the signature: two different edits to the same
// collection must both be delivered.
func (p UpdateCollection) signaturePart() string {
	data, _ := json.Marshal(p)
	return string(data)
}

func (DeleteCollection) signaturePart() string { return "" }
func (ClearCollection) signaturePart() string  { return "" }

func (p AddItem) signaturePart() string {
	return "item_id=" + strconv.FormatInt(p.ItemID, 10)
}

func (p RemoveItem) signaturePart() string {
	return "item_id=" + strconv.FormatInt(p.ItemID, 10)
}

// Validate checks a payload against its field rules.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	switch v := p.(type) {
	case CreateCollection:
		v.Name = strings.TrimSpace(v.Name)
		return structErr(validate.Struct(v))
	case UpdateCollection:
		if v.Name == nil && v.Description == nil && v.IsPublic == nil {
			return fmt.Errorf("%w: update must change at least one field", ErrInvalidPayload)
		}
		if v.Name != nil && strings.TrimSpace(*v.Name) == "" {
			return fmt.Errorf("%w: name must not be blank", ErrInvalidPayload)
		}
		return structErr(validate.Struct(v))
	case AddItem:
		return structErr(validate.Struct(v))
	case RemoveItem:
		return structErr(validate.Struct(v))
	case DeleteCollection, ClearCollection:
		return nil
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidPayload, p)
	}
}

func structErr(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %q (param %q)", ErrInvalidPayload, strings.ToLower(fe.Field()), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}

// NewCreateCollection builds a validated create payload.
func NewCreateCollection(name, description string, isPublic bool) (CreateCollection, error) {
	p := CreateCollection{Name: strings.TrimSpace(name), Description: description, IsPublic: isPublic}
	return p, Validate(p)
}

// NewAddItem builds a validated add-item payload.
func NewAddItem(itemID int64) (AddItem, error) {
	p := AddItem{ItemID: itemID}
	return p, Validate(p)
}

// NewRemoveItem builds a validated remove-item payload.
func NewRemoveItem(itemID int64) (RemoveItem, error) {
	p := RemoveItem{ItemID: itemID}
	return p, Validate(p)
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// DecodePayload restores the payload struct that belongs to t.
func DecodePayload(t Type, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case CreateCollectionType:
		var v CreateCollection
		err = json.Unmarshal(data, &v)
		p = v
	case UpdateCollectionType:
		var v UpdateCollection
		err = json.Unmarshal(data, &v)
		p = v
	case DeleteCollectionType:
		p = DeleteCollection{}
	case ClearCollectionType:
		p = ClearCollection{}
	case AddItemType:
		var v AddItem
		err = json.Unmarshal(data, &v)
		p = v
	case RemoveItemType:
		var v RemoveItem
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
