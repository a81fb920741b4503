package compose

import "errors"

// ErrUnknownService is returned when a public_services entry names a
// service that is not declared in the compose file.
var ErrUnknownService = errors.New("unknown compose service")

// ErrNoComposeFile is returned when a create request's files do not
// include a recognized compose filename.
var ErrNoComposeFile = errors.New("no recognized compose file present")
