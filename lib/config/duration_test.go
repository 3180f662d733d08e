// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestRoundTrip(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1h30m"}`), &d)
	c.Assert(err, check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 90*time.Minute)

	buf, err := json.Marshal(d)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1h30m0s"}`)

	err = json.Unmarshal(buf, &d)
	c.Assert(err, check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 90*time.Minute)
}

func (s *DurationSuite) TestSet(c *check.C) {
	var d Duration
	c.Check(d.Set("15s"), check.IsNil)
	c.Check(d.Duration(), check.Equals, 15*time.Second)
	c.Check(d.String(), check.Equals, "15s")
	c.Check(d.Set("bogus"), check.NotNil)
}

func (s *DurationSuite) TestUnmarshalNumberRejected(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":600}`), &d)
	c.Check(err, check.ErrorMatches, `.*duration must be given as a string.*`)
}
