package queue

import "errors"

var errUndecodable = errors.New("leased record undecodable past its lease")
