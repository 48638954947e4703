// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/popgenlab/ancestra"

func main() {
	ancestra.Main()
}
