// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap implements the one primitive set the CR engine is built
// on: a fixed-length, word-parallel bit vector with popcount, first/last-set,
// and the boolean ops (OR/AND/AND-NOT) rows, core-maps, and reservations
// all reduce to. Every higher-level structure in the engine (row bitmaps,
// core bitmaps, node bitmaps, reservation masks) is a Bitmap of the
// appropriate length; nothing upstream does its own bit twiddling.
package bitmap
