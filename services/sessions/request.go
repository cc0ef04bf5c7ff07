package sessions

import (
	"sync"

	"github.com/go-playground/validator/v10"

	"collabmgr/services/gitclone"
)

// Request asks for a new session.
type Request struct {
	Owner            string  `json:"-" validate:"required"`
	ToolID           string  `json:"tool_id" validate:"required"`
	VersionID        string  `json:"version_id" validate:"required"`
	Type             Type    `json:"type" validate:"required,oneof=persistent readonly"`
	ConnectionMethod string  `json:"connection_method"`
	ProjectID        *string `json:"project_id,omitempty" validate:"omitempty,min=1"`
	// Provisioning lists the repositories cloned into a readonly workspace.
	Provisioning []gitclone.Repository `json:"provisioning,omitempty" validate:"required_if=Type readonly,dive"`
	Config       map[string]any        `json:"config,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request shape. Tool capabilities are checked by the Manager.
func (r Request) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
