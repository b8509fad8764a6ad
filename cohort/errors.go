// Copyright (c) 2024 The MINDS Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package cohort

import "fmt"

// indicates that a cohort selection was not specified in exactly one of the
// supported forms
type InvalidSelectionError struct {
	Reason string
}

func (e InvalidSelectionError) Error() string {
	return fmt.Sprintf("invalid cohort selection: %s", e.Reason)
}

// indicates a request involving a table not present in the clinical store
type UnknownTableError struct {
	Table string
}

func (e UnknownTableError) Error() string {
	return fmt.Sprintf("no table named %q in the clinical store", e.Table)
}

// indicates that cohort columns were missing from a query's results
type MissingColumnError struct {
	Column string
}

func (e MissingColumnError) Error() string {
	return fmt.Sprintf("cohort query returned no %q column", e.Column)
}
