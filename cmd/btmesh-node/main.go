// Command btmesh-node runs a provisioner-capable Bluetooth Mesh node.
package main

import "github.com/wzbdroid0212/go-btmesh/cmd"

func main() {
	cmd.Execute()
}
