// Package contracts holds the ABI definitions the settlement client binds to.
package contracts

// SettlementABI is the subset of the settlement contract surface the service
// calls: payout releases custodied value to a seller, keyed by order id.
const SettlementABI = `[
  {
    "type": "function",
    "name": "payout",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "orderId", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "Payout",
    "anonymous": false,
    "inputs": [
      {"name": "to", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "orderId", "type": "uint256", "indexed": true}
    ]
  }
]`
