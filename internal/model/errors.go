package model

import "github.com/pkg/errors"

// ErrConfiguration reports invalid model or hyperparameter settings.
var ErrConfiguration = errors.New("configuration error")
