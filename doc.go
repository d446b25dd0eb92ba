/*
Package accountdelete documents the account delete worker module.

This module is CLI-first and ships the accountdelete command:

	go install github.com/nuetzliches/accountdelete/cmd/accountdelete@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package accountdelete
