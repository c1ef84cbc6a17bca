/*
Package blocksync downloads blocks from peers to bring the master chain of a
network up to the height its peers claim.

A sync run splits the missing range into batches of DownloadNumber blocks.
For each batch a planner draws a peer from the NodeSelector and submits a
download task to a bounded executor. Download results are collected in
submission order by the Collector, which sorts each batch, retries failed
batches against another peer with exponential backoff, and pushes the blocks
onto a bounded hand-off channel. The Consumer drains that channel in height
order and commits every block through the chain state. The first commit
failure ends the run.

Peers are ranked by a credit score. A peer gains credit for fast downloads and
loses it for slow or failed ones, so unreliable peers drift to the back of the
queue without ever being removed.
*/
package blocksync
