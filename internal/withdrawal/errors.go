package withdrawal

import "errors"

var ErrInvalidParams = errors.New("invalid withdrawal params")
