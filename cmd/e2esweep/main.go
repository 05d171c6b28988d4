// e2esweep deletes the AWS resources end-to-end test jobs leave behind.
package main

func main() {
	Execute()
}
